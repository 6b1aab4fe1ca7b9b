// Package crypt encrypts the peer-address payload of a REQ_UDP_START
// control frame with a shared secret, so a passive observer of the tunnel
// cannot read which peer a UDP stream belongs to.
package crypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"

	"quicbridge/utils"
)

const keyRandomHashSizeBytes = 32
const aesKeySizeBytes = 32

func EncryptBytesWithSecret(plainText []byte, sharedSecret string) ([]byte, error) {
	plaintextIv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(plaintextIv); err != nil {
		return nil, err
	}
	plaintextKey := make([]byte, aesKeySizeBytes)
	if _, err := rand.Read(plaintextKey); err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(plaintextKey)
	if err != nil {
		return nil, err
	}
	ctrCipher := cipher.NewCTR(block, plaintextIv)

	encBuf := make([]byte, len(plainText))
	ctrCipher.XORKeyStream(encBuf, plainText)

	keyMod := make([]byte, keyRandomHashSizeBytes)
	if _, err := rand.Read(keyMod); err != nil {
		return nil, err
	}
	key, err := utils.DeriveEncKeyFromBytesAndSalt(sharedSecret, keyMod)
	if err != nil {
		return nil, err
	}

	block, err = aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	// Generate iv using system random
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, err
	}
	ctrCipher = cipher.NewCTR(block, iv)

	keyBuff := make([]byte, len(plaintextKey))
	ctrCipher.XORKeyStream(keyBuff, plaintextKey)

	// Prepend keyMod, iv, plaintextIv and the wrapped key to the ciphertext
	result := make([]byte, keyRandomHashSizeBytes+len(iv)+len(encBuf)+len(plaintextIv)+len(keyBuff))

	copy(result[0:keyRandomHashSizeBytes], keyMod)
	copy(result[keyRandomHashSizeBytes:keyRandomHashSizeBytes+len(iv)], iv)
	copy(result[keyRandomHashSizeBytes+len(iv):keyRandomHashSizeBytes+len(iv)+len(plaintextIv)], plaintextIv)
	copy(result[keyRandomHashSizeBytes+len(iv)+len(plaintextIv):keyRandomHashSizeBytes+len(iv)+len(plaintextIv)+len(keyBuff)], keyBuff)
	copy(result[keyRandomHashSizeBytes+len(iv)+len(plaintextIv)+len(keyBuff):], encBuf)

	return result, nil
}

func DecryptBytesWithSecret(cipherText []byte, sharedSecret string) ([]byte, error) {
	if len(cipherText) < keyRandomHashSizeBytes+aes.BlockSize+aes.BlockSize+aesKeySizeBytes {
		return nil, errors.New("ciphertext too short")
	}
	keyMod := cipherText[0:keyRandomHashSizeBytes]
	iv := cipherText[keyRandomHashSizeBytes : keyRandomHashSizeBytes+aes.BlockSize]
	plaintextIv := cipherText[keyRandomHashSizeBytes+aes.BlockSize : keyRandomHashSizeBytes+aes.BlockSize+aes.BlockSize]
	keyBuf := cipherText[keyRandomHashSizeBytes+aes.BlockSize+aes.BlockSize : keyRandomHashSizeBytes+aes.BlockSize+aes.BlockSize+aesKeySizeBytes]
	encBuf := cipherText[keyRandomHashSizeBytes+aes.BlockSize+aes.BlockSize+aesKeySizeBytes:]

	key, err := utils.DeriveEncKeyFromBytesAndSalt(sharedSecret, keyMod)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	ctrCipher := cipher.NewCTR(block, iv)

	decryptedKey := make([]byte, len(keyBuf))
	ctrCipher.XORKeyStream(decryptedKey, keyBuf)

	block, err = aes.NewCipher(decryptedKey)
	if err != nil {
		return nil, err
	}
	ctrCipher = cipher.NewCTR(block, plaintextIv)

	plaintext := make([]byte, len(encBuf))
	ctrCipher.XORKeyStream(plaintext, encBuf)

	return plaintext, nil
}

