package markov

import (
	"context"
	"sort"
)

// DBStats holds aggregated statistics for the entire store, including a list
// of all models and their individual stats.
type DBStats struct {
	Models      []ModelInfo        `json:"models"`      // All stored models, sorted by name
	Stats       map[int]ModelStats `json:"stats"`       // A mapping of model ids to their stats
	VocabSize   int                `json:"vocab_size"`  // Vocabulary entries across all models
	Transitions int                `json:"transitions"` // Nonzero transitions across all models
}

// ModelStats holds aggregated statistics for a single stored model.
type ModelStats struct {
	Transitions     int `json:"transitions"`      // The number of nonzero transitions.
	StartSuccessors int `json:"start_successors"` // Tokens reachable directly from START.
	DeadEnds        int `json:"dead_ends"`        // Tokens other than END with no nonzero transition.
}

// GetStats returns a snapshot of statistics for the whole store.
func (s *Store) GetStats(ctx context.Context) (*DBStats, error) {
	modelInfos, err := s.GetModelInfos(ctx)
	if err != nil {
		return nil, err
	}

	var vocabLen, transLen int
	if err = s.stmtGetVocabLen.QueryRowContext(ctx).Scan(&vocabLen); err != nil {
		return nil, err
	}
	if err = s.stmtGetTransLen.QueryRowContext(ctx).Scan(&transLen); err != nil {
		return nil, err
	}

	models := make([]ModelInfo, 0, len(modelInfos))
	modelStats := make(map[int]ModelStats, len(modelInfos))
	for _, info := range modelInfos {
		models = append(models, info)
		var st ModelStats
		if err = s.stmtModelTransitions.QueryRowContext(ctx, info.Id).Scan(&st.Transitions); err != nil {
			return nil, err
		}
		if err = s.stmtModelStarters.QueryRowContext(ctx, info.Id, StartTokenID).Scan(&st.StartSuccessors); err != nil {
			return nil, err
		}
		if err = s.stmtModelDeadEnds.QueryRowContext(ctx, info.Id, EndTokenID).Scan(&st.DeadEnds); err != nil {
			return nil, err
		}
		modelStats[info.Id] = st
	}
	sort.Slice(models, func(i, j int) bool { return models[i].Name < models[j].Name })

	return &DBStats{
		Models:      models,
		Stats:       modelStats,
		VocabSize:   vocabLen,
		Transitions: transLen,
	}, nil
}
