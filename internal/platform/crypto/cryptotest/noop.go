// Package cryptotest provides crypto.Cipher doubles for tests.
package cryptotest

// Plaintext stores tokens unencrypted. Test use only.
type Plaintext struct{}

func (Plaintext) Encrypt(plaintext string) (string, error)  { return plaintext, nil }
func (Plaintext) Decrypt(ciphertext string) (string, error) { return ciphertext, nil }
