package reflink

import (
	"fmt"
	mrand "math/rand"
	"os"
)

// sourceSeed fixes the source content so every run clones identical data.
const sourceSeed = 0x5eed

const fillChunkSize = 1 << 20

// CreateSourceFile writes size bytes of deterministic pseudo-random
// content to path and syncs it to stable storage. The file backs every
// clone in a run and is opened read-only for the run's duration.
func CreateSourceFile(path string, size int64) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create source file: %w", err)
	}

	rng := mrand.New(mrand.NewSource(sourceSeed))
	chunk := make([]byte, fillChunkSize)

	for remaining := size; remaining > 0; remaining -= int64(len(chunk)) {
		if remaining < int64(len(chunk)) {
			chunk = chunk[:remaining]
		}

		rng.Read(chunk)

		if _, err := f.Write(chunk); err != nil {
			f.Close()
			os.Remove(path)

			return fmt.Errorf("fill source file: %w", err)
		}
	}

	if err := f.Sync(); err != nil {
		f.Close()

		return fmt.Errorf("sync source file: %w", err)
	}

	return f.Close()
}
