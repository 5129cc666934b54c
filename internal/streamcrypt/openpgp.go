// Package streamcrypt drives passphrase-based stream encryption as an
// incremental byte-stream transform.
package streamcrypt

import (
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/openpgp"
	"golang.org/x/crypto/openpgp/packet"
)

var (
	// ErrEmptyPassphrase is returned when a transform is requested without a passphrase.
	ErrEmptyPassphrase = errors.New("empty passphrase")
	// ErrWrongPassphrase is returned when the passphrase does not decrypt the message.
	ErrWrongPassphrase = errors.New("wrong passphrase")
	// ErrNotEncrypted is returned when the input is not a passphrase-encrypted message.
	ErrNotEncrypted = errors.New("message is not passphrase encrypted")
)

// Adapter transforms byte streams under a passphrase. Both directions
// produce output before the whole input has been read.
type Adapter interface {
	EncryptStream(plaintext io.Reader, passphrase string) (io.ReadCloser, error)
	DecryptStream(ciphertext io.Reader, passphrase string) (io.Reader, error)
}

// OpenPGP encrypts to binary OpenPGP symmetrically encrypted messages.
type OpenPGP struct {
	config *packet.Config
}

var _ Adapter = (*OpenPGP)(nil)

// NewOpenPGP returns an adapter using AES-256 without compression.
func NewOpenPGP() *OpenPGP {
	return &OpenPGP{config: &packet.Config{
		DefaultCipher:          packet.CipherAES256,
		DefaultCompressionAlgo: packet.CompressionNone,
	}}
}

// EncryptStream returns the ciphertext of plaintext. Encryption runs in a
// goroutine feeding a pipe; each Read yields whatever the encoder has
// flushed so far. Closing the returned reader early stops the goroutine.
func (o *OpenPGP) EncryptStream(plaintext io.Reader, passphrase string) (io.ReadCloser, error) {
	if passphrase == "" {
		return nil, ErrEmptyPassphrase
	}
	pr, pw := io.Pipe()
	go func() {
		w, err := openpgp.SymmetricallyEncrypt(pw, []byte(passphrase), &openpgp.FileHints{IsBinary: true}, o.config)
		if err != nil {
			pw.CloseWithError(fmt.Errorf("start encryption: %w", err))
			return
		}
		if _, err := io.Copy(w, plaintext); err != nil {
			pw.CloseWithError(err)
			return
		}
		if err := w.Close(); err != nil {
			pw.CloseWithError(fmt.Errorf("finish encryption: %w", err))
			return
		}
		pw.Close()
	}()
	return pr, nil
}

// DecryptStream returns a reader of the plaintext. Integrity is verified
// when the reader reaches end of stream; a mismatch surfaces as the final
// read error.
func (o *OpenPGP) DecryptStream(ciphertext io.Reader, passphrase string) (io.Reader, error) {
	if passphrase == "" {
		return nil, ErrEmptyPassphrase
	}
	prompted := false
	prompt := func(keys []openpgp.Key, symmetric bool) ([]byte, error) {
		if !symmetric || prompted {
			return nil, ErrWrongPassphrase
		}
		prompted = true
		return []byte(passphrase), nil
	}
	md, err := openpgp.ReadMessage(ciphertext, nil, prompt, o.config)
	if err != nil {
		return nil, err
	}
	if !md.IsSymmetricallyEncrypted {
		return nil, ErrNotEncrypted
	}
	return md.UnverifiedBody, nil
}
