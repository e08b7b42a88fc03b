package crypto

import "context"

// passthroughLevel returns plaintext unchanged in both directions.
type passthroughLevel struct{}

func (passthroughLevel) Encrypt(ctx context.Context, plaintext []byte, opts Options) (*Result, error) {
	return &Result{
		Ciphertext: plaintext,
		Metadata:   map[string]string{MetaAlgorithm: "none"},
	}, nil
}

func (passthroughLevel) Decrypt(ctx context.Context, ciphertext []byte, opts Options) ([]byte, error) {
	return ciphertext, nil
}
