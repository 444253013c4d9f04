/*
Package markov provides a small, deterministic toolkit for generating
sentences from a first-order word transition model.

A Model pairs a Vocabulary (tokens with unigram probabilities, END at index 0
and START at index 1) with a square transition Matrix. From it the package
derives each token's best successor and offers three generation strategies:
a top-probability word listing, a greedy walk along best successors, and a
width-2 beam search over partial sentences.

Models can be read from the line-oriented text format with ReadModel and kept
in a SQLite database through a Store, which also handles JSON export and
import.
*/
package markov
