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

package credentials

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alibaba/OpenSandbox/task-launcher/internal/types"
)

func TestSealAndDecrypt(t *testing.T) {
	pub, priv, err := GenerateKey()
	require.NoError(t, err)

	data := Data{Login: "alice", Password: "secret", ThirdParty: map[string]string{"token": "t0k"}}
	sealed, err := Seal(data, pub, priv)
	require.NoError(t, err)
	assert.NotContains(t, string(sealed.Sealed), "secret")

	opened, err := Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, data, opened)
}

func TestDecrypt_WrongKey(t *testing.T) {
	pub, priv, err := GenerateKey()
	require.NoError(t, err)
	_, otherPriv, err := GenerateKey()
	require.NoError(t, err)

	sealed, err := Seal(Data{Login: "bob"}, pub, priv)
	require.NoError(t, err)
	sealed.PrivateKey = otherPriv[:]

	_, err = Decrypt(sealed)
	assert.Error(t, err)

	_, err = Decrypt(nil)
	assert.Error(t, err)
	_, err = Decrypt(&types.Credentials{PublicKey: []byte{1}})
	assert.Error(t, err)
}

func TestSubstitute(t *testing.T) {
	creds := map[string]string{"db_password": "pw", "api.key": "k"}

	out, err := Substitute([]string{"--password=$CREDENTIALS_db_password", "plain", "$CREDENTIALS_api.key"}, creds)
	require.NoError(t, err)
	assert.Equal(t, []string{"--password=pw", "plain", "k"}, out)

	_, err = Substitute([]string{"$CREDENTIALS_missing"}, creds)
	assert.ErrorContains(t, err, "missing")

	out, err = Substitute(nil, creds)
	assert.NoError(t, err)
	assert.Nil(t, out)
}
