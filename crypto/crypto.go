// Copyright 2014 The go-ethereum Authors
// This file is part of the go-ethereum library.
//
// The go-ethereum library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-ethereum library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-ethereum library. If not, see <http://www.gnu.org/licenses/>.

// Package crypto provides the AES, RSA/X.509 and SRP-6a primitives the
// rest of meshnet is built on.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
)

// RandomBytes returns n cryptographically random bytes.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

// RandomHex returns n random bytes hex-encoded.
func RandomHex(n int) (string, error) {
	b, err := RandomBytes(n)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// GeneratePasscode derives a 6-decimal-digit passcode from 3 random
// bytes, zero-padded. 3 bytes span 0..16777215; reducing modulo 1e6
// keeps the result representable in exactly 6 digits.
func GeneratePasscode() (string, error) {
	b, err := RandomBytes(3)
	if err != nil {
		return "", err
	}
	v := uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
	return fmt.Sprintf("%06d", v%1000000), nil
}

// AESEncryptCBC pads plaintext with PKCS#7, generates a fresh 16-byte
// IV and encrypts under key using AES-CBC. key must be 16 or 32 bytes.
func AESEncryptCBC(key, plaintext []byte) (iv, ciphertext []byte, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, err
	}
	iv, err = RandomBytes(aes.BlockSize)
	if err != nil {
		return nil, nil, err
	}
	padded := pkcs7Pad(plaintext, aes.BlockSize)
	ciphertext = make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)
	return iv, ciphertext, nil
}

// AESDecryptCBC reverses AESEncryptCBC.
func AESDecryptCBC(key, iv, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, errors.New("crypto: ciphertext is not a multiple of the block size")
	}
	if len(iv) != aes.BlockSize {
		return nil, errors.New("crypto: iv has wrong length")
	}
	padded := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(padded, ciphertext)
	plaintext := pkcs7Unpad(padded)
	if plaintext == nil {
		return nil, errors.New("crypto: PKCS7 unpad failed after AES decryption")
	}
	return plaintext, nil
}

// pkcs7Pad pads in to a multiple of blockSize per PKCS#7.
func pkcs7Pad(in []byte, blockSize int) []byte {
	padding := blockSize - len(in)%blockSize
	padText := make([]byte, padding)
	for i := range padText {
		padText[i] = byte(padding)
	}
	return append(append([]byte{}, in...), padText...)
}

// pkcs7Unpad strips PKCS#7 padding, returning nil if it is invalid.
//
// From https://leanpub.com/gocrypto/read#leanpub-auto-block-cipher-modes
func pkcs7Unpad(in []byte) []byte {
	if len(in) == 0 {
		return nil
	}
	padding := in[len(in)-1]
	if int(padding) > len(in) || padding == 0 {
		return nil
	}
	for i := len(in) - 1; i > len(in)-int(padding)-1; i-- {
		if in[i] != padding {
			return nil
		}
	}
	return in[:len(in)-int(padding)]
}

// randomSerial returns a 20-byte random big-endian integer suitable for
// an X.509 certificate serial number.
func randomSerial() ([]byte, error) {
	b, err := RandomBytes(20)
	if err != nil {
		return nil, err
	}
	// Clear the top bit so the serial is never interpreted as negative.
	b[0] &^= 0x80
	return b, nil
}
