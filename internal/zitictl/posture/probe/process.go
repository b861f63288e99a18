package probe

import (
	"context"
	"crypto/sha512"
	"encoding/hex"
	"io"
	"os"
)

// ProcessReply is the JSON shape of a process probe response.
type ProcessReply struct {
	Path      string   `json:"path"`
	IsRunning bool     `json:"isRunning"`
	Hash      string   `json:"hash,omitempty"`
	Signers   []string `json:"signers,omitempty"`
}

// Process computes the SHA-512 of the file at path, checks whether an
// instance of it is currently running, and — on platforms that support it —
// collects the SHA-1 thumbprints of the certificates embedded in its
// Authenticode signature. It is cancellable: if ctx is done before the
// work completes, reply is never invoked and the result is dropped.
func Process(ctx context.Context, path string, reply Reply) {
	done := make(chan ProcessReply, 1)

	go func() {
		result := ProcessReply{Path: path}
		result.IsRunning = isProcessRunning(path)

		if hash, err := hashFile(ctx, path); err == nil {
			result.Hash = hash
		}
		result.Signers = signerThumbprints(path)

		done <- result
	}()

	select {
	case <-ctx.Done():
		return
	case result := <-done:
		select {
		case <-ctx.Done():
			return
		default:
			reply(result)
		}
	}
}

func hashFile(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha512.New()
	if _, err := io.Copy(h, &ctxReader{ctx: ctx, r: f}); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ctxReader aborts a long read loop when its context is cancelled, so a
// torn-down posture bundle does not keep hashing a large binary to the end.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr *ctxReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}
