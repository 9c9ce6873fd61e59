// Package vault reads and writes password-encrypted variable files.
//
// An encrypted file starts with the header line
//
//	$FROYO_VAULT;1.0;SCRYPT-SECRETBOX
//
// followed by base64 of salt, nonce and a NaCl secretbox sealed with a key
// derived from the password by scrypt. The plaintext is a YAML mapping of
// secret names to scalar values.
package vault

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/scrypt"
	"gopkg.in/yaml.v3"
)

// Header marks an encrypted vault file.
const Header = "$FROYO_VAULT;1.0;SCRYPT-SECRETBOX"

// PasswordEnv names the environment variable holding the vault password.
const PasswordEnv = "FROYO_VAULT_PASSWORD"

const (
	saltSize  = 16
	nonceSize = 24
	keySize   = 32
	lineWidth = 80

	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
)

var (
	// ErrWrongPassword means the box failed to open: the password is wrong
	// or the file was modified.
	ErrWrongPassword = errors.New("vault: wrong password or corrupted file")

	// ErrNotEncrypted means the data lacks the vault header.
	ErrNotEncrypted = errors.New("vault: data is not encrypted")

	// ErrNoPassword means no password source was configured.
	ErrNoPassword = errors.New("vault: no password given (use --vault-password-file or " + PasswordEnv + ")")
)

// IsEncrypted reports whether data starts with the vault header.
func IsEncrypted(data []byte) bool {
	return bytes.HasPrefix(data, []byte(Header+"\n")) || bytes.Equal(bytes.TrimSpace(data), []byte(Header))
}

func deriveKey(password, salt []byte) (*[keySize]byte, error) {
	derived, err := scrypt.Key(password, salt, scryptN, scryptR, scryptP, keySize)
	if err != nil {
		return nil, fmt.Errorf("vault: derive key: %w", err)
	}
	var key [keySize]byte
	copy(key[:], derived)
	return &key, nil
}

// Encrypt seals plaintext with password.
func Encrypt(plaintext, password []byte) ([]byte, error) {
	if len(password) == 0 {
		return nil, ErrNoPassword
	}

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("vault: read salt: %w", err)
	}
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("vault: read nonce: %w", err)
	}
	key, err := deriveKey(password, salt)
	if err != nil {
		return nil, err
	}

	payload := append(salt, nonce[:]...)
	payload = secretbox.Seal(payload, plaintext, &nonce, key)
	encoded := base64.StdEncoding.EncodeToString(payload)

	var out bytes.Buffer
	out.WriteString(Header + "\n")
	for len(encoded) > lineWidth {
		out.WriteString(encoded[:lineWidth] + "\n")
		encoded = encoded[lineWidth:]
	}
	out.WriteString(encoded + "\n")
	return out.Bytes(), nil
}

// Decrypt opens data sealed by Encrypt.
func Decrypt(data, password []byte) ([]byte, error) {
	if !IsEncrypted(data) {
		return nil, ErrNotEncrypted
	}
	if len(password) == 0 {
		return nil, ErrNoPassword
	}

	body := strings.Join(strings.Fields(string(data[len(Header):])), "")
	payload, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return nil, fmt.Errorf("vault: decode body: %w", err)
	}
	if len(payload) < saltSize+nonceSize+secretbox.Overhead {
		return nil, ErrWrongPassword
	}

	salt := payload[:saltSize]
	var nonce [nonceSize]byte
	copy(nonce[:], payload[saltSize:saltSize+nonceSize])
	key, err := deriveKey(password, salt)
	if err != nil {
		return nil, err
	}

	plaintext, ok := secretbox.Open(nil, payload[saltSize+nonceSize:], &nonce, key)
	if !ok {
		return nil, ErrWrongPassword
	}
	return plaintext, nil
}

// Parse decodes a plaintext vault document. Nested mappings are
// flattened with dotted keys; every leaf must be a scalar.
func Parse(plaintext []byte) (map[string]string, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(plaintext, &doc); err != nil {
		return nil, fmt.Errorf("vault: parse: %w", err)
	}
	out := make(map[string]string, len(doc))
	if err := flatten("", doc, out); err != nil {
		return nil, err
	}
	return out, nil
}

func flatten(prefix string, doc map[string]any, out map[string]string) error {
	for k, v := range doc {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		switch val := v.(type) {
		case map[string]any:
			if err := flatten(key, val, out); err != nil {
				return err
			}
		case []any:
			return fmt.Errorf("vault: %s: lists are not supported", key)
		case nil:
			out[key] = ""
		default:
			out[key] = fmt.Sprint(val)
		}
	}
	return nil
}

// Load reads a vault file. Encrypted files need password; plaintext files
// are accepted as is.
func Load(path string, password []byte) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("vault: %w", err)
	}
	if IsEncrypted(data) {
		data, err = Decrypt(data, password)
		if err != nil {
			return nil, err
		}
	}
	return Parse(data)
}

// ReadPassword returns the password from file when set, otherwise from
// the environment. Trailing newlines are dropped.
func ReadPassword(file string) ([]byte, error) {
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("vault: read password file: %w", err)
		}
		return bytes.TrimRight(data, "\r\n"), nil
	}
	if pw := os.Getenv(PasswordEnv); pw != "" {
		return []byte(pw), nil
	}
	return nil, ErrNoPassword
}

// Keys returns the secret names in sorted order.
func Keys(secrets map[string]string) []string {
	keys := make([]string, 0, len(secrets))
	for k := range secrets {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
