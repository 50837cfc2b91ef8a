// Copyright 2024 Alexandre Mahdhaoui
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ssh

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/ssh"
)

var (
	errGenerateKey    = errors.New("unable to generate SSH key pair")
	errReadPrivateKey = errors.New("unable to read private key")
)

// KeyPair is a private key and the authorized_keys line of its public half.
type KeyPair struct {
	PrivateKey    []byte
	AuthorizedKey string
}

// GenerateKeyPair returns a fresh ed25519 key pair in OpenSSH format.
func GenerateKeyPair(comment string) (KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, errors.Join(err, errGenerateKey)
	}

	block, err := ssh.MarshalPrivateKey(priv, comment)
	if err != nil {
		return KeyPair{}, errors.Join(err, errGenerateKey)
	}

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return KeyPair{}, errors.Join(err, errGenerateKey)
	}

	return KeyPair{
		PrivateKey:    pem.EncodeToMemory(block),
		AuthorizedKey: authorizedKey(sshPub, comment),
	}, nil
}

// LoadKeyPair reads an unencrypted private key and derives its public half.
func LoadKeyPair(privateKeyPath string) (KeyPair, error) {
	key, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return KeyPair{}, errors.Join(err, fmt.Errorf("path=%s", privateKeyPath), errReadPrivateKey)
	}

	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return KeyPair{}, errors.Join(err, fmt.Errorf("path=%s", privateKeyPath), errParsePrivateKey)
	}

	return KeyPair{
		PrivateKey:    key,
		AuthorizedKey: authorizedKey(signer.PublicKey(), ""),
	}, nil
}

func authorizedKey(pub ssh.PublicKey, comment string) string {
	line := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(pub)))
	if comment != "" {
		line += " " + comment
	}
	return line
}
