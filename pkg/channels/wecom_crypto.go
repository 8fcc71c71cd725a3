// MobaiGate - channel gateway for local AI assistants
// License: MIT
//
// Copyright (c) 2026 MobaiGate contributors

package channels

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"encoding/xml"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zhaopengme/mobaigate/pkg/errs"
)

// WeCom pads to 32 bytes, not the AES block size.
const wecomBlockSize = 32

// WeComCrypto implements the WeCom callback message encryption scheme:
// AES-256-CBC with IV = key[:16], PKCS#7 to 32 bytes, and a SHA-1 signature
// over the sorted (token, timestamp, nonce, ciphertext) tuple.
type WeComCrypto struct {
	token     string
	key       []byte
	receiveID string
	now       func() time.Time
}

// NewWeComCrypto derives the key from the 43 character EncodingAESKey.
// receiveID is the corp id; when empty the trailing id is not checked.
func NewWeComCrypto(token, encodingAESKey, receiveID string) (*WeComCrypto, error) {
	if len(encodingAESKey) != 43 {
		return nil, errs.New(errs.ErrConfig, "", "aes key", errors.New("encoding_aes_key must be 43 characters"))
	}
	key, err := base64.StdEncoding.DecodeString(encodingAESKey + "=")
	if err != nil {
		return nil, errs.New(errs.ErrConfig, "", "aes key", err)
	}
	if len(key) != 32 {
		return nil, errs.Newf(errs.ErrConfig, "", "aes key", "decoded key is %d bytes, want 32", len(key))
	}
	return &WeComCrypto{token: token, key: key, receiveID: receiveID, now: time.Now}, nil
}

// Signature is the hex SHA-1 of the sorted, concatenated parts.
func (c *WeComCrypto) Signature(timestamp, nonce, ciphertext string) string {
	parts := []string{c.token, timestamp, nonce, ciphertext}
	sort.Strings(parts)
	sum := sha1.Sum([]byte(strings.Join(parts, "")))
	return hex.EncodeToString(sum[:])
}

func (c *WeComCrypto) verify(signature, timestamp, nonce, ciphertext string) bool {
	want := c.Signature(timestamp, nonce, ciphertext)
	return subtle.ConstantTimeCompare([]byte(want), []byte(signature)) == 1
}

// DecryptAndVerify checks the signature first and only then decrypts.
// Every failure is an ErrSecurity and returns no plaintext.
func (c *WeComCrypto) DecryptAndVerify(signature, timestamp, nonce, ciphertext string) (string, error) {
	if !c.verify(signature, timestamp, nonce, ciphertext) {
		return "", errs.New(errs.ErrSecurity, "", "verify", errors.New("signature mismatch"))
	}
	plain, err := c.decrypt(ciphertext)
	if err != nil {
		return "", errs.New(errs.ErrSecurity, "", "decrypt", err)
	}
	return plain, nil
}

func (c *WeComCrypto) decrypt(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	if len(raw) == 0 || len(raw)%aes.BlockSize != 0 {
		return "", fmt.Errorf("ciphertext length %d is not a multiple of the block size", len(raw))
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", err
	}
	plain := make([]byte, len(raw))
	cipher.NewCBCDecrypter(block, c.key[:aes.BlockSize]).CryptBlocks(plain, raw)

	plain, err = pkcs7Unpad(plain, wecomBlockSize)
	if err != nil {
		return "", err
	}

	// random(16) | msg_len(4, big endian) | msg | receive_id
	if len(plain) < 20 {
		return "", errors.New("decrypted message too short")
	}
	msgLen := binary.BigEndian.Uint32(plain[16:20])
	if uint64(msgLen) > uint64(len(plain)-20) {
		return "", errors.New("invalid message length")
	}
	msg := plain[20 : 20+msgLen]
	if c.receiveID != "" {
		if got := string(plain[20+msgLen:]); got != c.receiveID {
			return "", fmt.Errorf("receive id mismatch: got %q", got)
		}
	}
	return string(msg), nil
}

// EncryptAndSign encrypts plaintext with a fresh timestamp and nonce.
func (c *WeComCrypto) EncryptAndSign(plaintext string) (ciphertext, signature, timestamp, nonce string, err error) {
	timestamp = strconv.FormatInt(c.now().Unix(), 10)
	nonce = newNonce()
	ciphertext, err = c.encrypt(plaintext)
	if err != nil {
		return "", "", "", "", err
	}
	return ciphertext, c.Signature(timestamp, nonce, ciphertext), timestamp, nonce, nil
}

func (c *WeComCrypto) encrypt(plaintext string) (string, error) {
	var buf bytes.Buffer
	random := make([]byte, 16)
	if _, err := rand.Read(random); err != nil {
		return "", err
	}
	buf.Write(random)
	var size [4]byte
	binary.BigEndian.PutUint32(size[:], uint32(len(plaintext)))
	buf.Write(size[:])
	buf.WriteString(plaintext)
	buf.WriteString(c.receiveID)

	padded := pkcs7Pad(buf.Bytes(), wecomBlockSize)
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", err
	}
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, c.key[:aes.BlockSize]).CryptBlocks(out, padded)
	return base64.StdEncoding.EncodeToString(out), nil
}

type cdata struct {
	Value string `xml:",cdata"`
}

type encryptedReply struct {
	XMLName      xml.Name `xml:"xml"`
	Encrypt      cdata    `xml:"Encrypt"`
	MsgSignature cdata    `xml:"MsgSignature"`
	TimeStamp    string   `xml:"TimeStamp"`
	Nonce        cdata    `xml:"Nonce"`
}

// EncryptedReply builds the XML body WeCom expects for a passive reply.
func (c *WeComCrypto) EncryptedReply(plaintext string) ([]byte, error) {
	ciphertext, signature, timestamp, nonce, err := c.EncryptAndSign(plaintext)
	if err != nil {
		return nil, err
	}
	return xml.Marshal(encryptedReply{
		Encrypt:      cdata{ciphertext},
		MsgSignature: cdata{signature},
		TimeStamp:    timestamp,
		Nonce:        cdata{nonce},
	})
}

func newNonce() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 {
		return nil, errors.New("empty plaintext")
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, fmt.Errorf("invalid padding size %d", n)
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, errors.New("invalid padding")
		}
	}
	return data[:len(data)-n], nil
}
