// Copyright 2025 Alibaba Group Holding Ltd.
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

// Package credentials seals task owner credentials and substitutes them into task arguments.
package credentials

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"

	"golang.org/x/crypto/nacl/box"

	"github.com/alibaba/OpenSandbox/task-launcher/internal/types"
)

// Placeholder prefixes a credential key in task arguments, as in $CREDENTIALS_db_password.
const Placeholder = "$CREDENTIALS_"

var placeholderPattern = regexp.MustCompile(regexp.QuoteMeta(Placeholder) + `([A-Za-z0-9_.\-]+)`)

// Data is the clear content of a credential bundle.
type Data struct {
	Login      string            `json:"login,omitempty"`
	Password   string            `json:"password,omitempty"`
	ThirdParty map[string]string `json:"thirdParty,omitempty"`
}

// GenerateKey returns a new key pair for sealing credentials.
func GenerateKey() (publicKey, privateKey *[32]byte, err error) {
	return box.GenerateKey(rand.Reader)
}

// Seal encrypts data for the holder of the private key matching publicKey.
func Seal(data Data, publicKey, privateKey *[32]byte) (*types.Credentials, error) {
	plain, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode credentials: %w", err)
	}
	sealed, err := box.SealAnonymous(nil, plain, publicKey, rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to seal credentials: %w", err)
	}
	return &types.Credentials{
		PublicKey:  publicKey[:],
		PrivateKey: privateKey[:],
		Sealed:     sealed,
	}, nil
}

// Decrypt opens a sealed credential bundle.
func Decrypt(c *types.Credentials) (Data, error) {
	var data Data
	if c == nil {
		return data, errors.New("no credentials")
	}
	if len(c.PublicKey) != 32 || len(c.PrivateKey) != 32 {
		return data, errors.New("invalid credential key length")
	}
	var pub, priv [32]byte
	copy(pub[:], c.PublicKey)
	copy(priv[:], c.PrivateKey)
	plain, ok := box.OpenAnonymous(nil, c.Sealed, &pub, &priv)
	if !ok {
		return data, errors.New("failed to open credentials")
	}
	if err := json.Unmarshal(plain, &data); err != nil {
		return data, fmt.Errorf("failed to decode credentials: %w", err)
	}
	return data, nil
}

// Substitute replaces every credential placeholder in args with its value.
// An unknown key is an error.
func Substitute(args []string, thirdParty map[string]string) ([]string, error) {
	if len(args) == 0 {
		return args, nil
	}
	out := make([]string, len(args))
	var missing error
	for i, arg := range args {
		out[i] = placeholderPattern.ReplaceAllStringFunc(arg, func(match string) string {
			key := match[len(Placeholder):]
			value, ok := thirdParty[key]
			if !ok && missing == nil {
				missing = fmt.Errorf("unknown credential %q", key)
			}
			return value
		})
	}
	if missing != nil {
		return nil, missing
	}
	return out, nil
}
