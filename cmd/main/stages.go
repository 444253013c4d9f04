package main

import (
	"bufio"
	"fmt"
	"io"

	"github.com/CTAG07/wordbeam/pkg/markov"
)

const stageHeader = "Stage %d\n==========\n"

// writeStages prints the four stage reports for m: the top words, the best
// successor table, the greedy sentence and the beam search sentence.
func writeStages(w io.Writer, m *markov.Model) error {
	bw := bufio.NewWriter(w)

	fmt.Fprintf(bw, stageHeader, 1)
	fmt.Fprintf(bw, "%s\n\n", m.TopWords())

	fmt.Fprintf(bw, stageHeader, 2)
	for _, line := range m.Successors() {
		fmt.Fprintf(bw, "%s -> %s\n", line.Token, line.Next)
	}
	fmt.Fprintln(bw)

	fmt.Fprintf(bw, stageHeader, 3)
	fmt.Fprintf(bw, "%s\n\n", m.Greedy())

	fmt.Fprintf(bw, stageHeader, 4)
	fmt.Fprintf(bw, "%s\n", m.BeamSearch())

	return bw.Flush()
}
