package markov

import (
	"context"
	"fmt"
	"log/slog"
)

// PruneModel removes every stored transition of a model whose probability is
// less than or equal to maxProb. Pruned transitions read back as zero, so
// they are no longer reachable by any generation strategy. Unigram
// probabilities and the remaining transitions are left untouched.
func (s *Store) PruneModel(ctx context.Context, info ModelInfo, maxProb float64) (int64, error) {
	res, err := s.stmtPruneModel.ExecContext(ctx, info.Id, maxProb)
	if err != nil {
		return 0, fmt.Errorf("could not prune model %d: %w", info.Id, err)
	}
	rowsAffected, _ := res.RowsAffected()

	s.logger.InfoContext(ctx, "Model pruned",
		slog.String("model_name", info.Name),
		slog.Int("model_id", info.Id),
		slog.Float64("max_probability", maxProb),
		slog.Int64("transitions_removed", rowsAffected),
	)
	return rowsAffected, nil
}
