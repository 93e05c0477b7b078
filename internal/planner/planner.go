// Package planner splits a candidate list into fixed-size chunks.
package planner

import (
	"fmt"

	"github.com/endorse-tools/endorse/internal/models"
)

// Plan partitions candidates into chunks of at most size accounts, keeping
// the selection order. The last chunk holds the remainder.
func Plan(candidates []models.Candidate, size int) ([]models.Chunk, error) {
	if size < 1 {
		return nil, fmt.Errorf("chunk size must be at least 1, got %d", size)
	}
	total := (len(candidates) + size - 1) / size
	chunks := make([]models.Chunk, 0, total)
	for start := 0; start < len(candidates); start += size {
		end := min(start+size, len(candidates))
		chunks = append(chunks, models.Chunk{
			Index:      len(chunks),
			Total:      total,
			Candidates: candidates[start:end:end],
		})
	}
	return chunks, nil
}
