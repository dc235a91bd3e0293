/*
 *	Copyright 2023 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

package backends_test

import (
	"testing"

	"github.com/gomlx/opgraph/backends"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/opgraph/backends/simplego"
)

// fakeBackend records the configuration it was constructed with.
type fakeBackend struct {
	config string
}

func (b *fakeBackend) Name() string                         { return "fake" }
func (b *fakeBackend) Description() string                  { return "fake backend for testing" }
func (b *fakeBackend) NumDevices() backends.DeviceNum       { return 1 }
func (b *fakeBackend) Builder(name string) backends.Builder { return nil }
func (b *fakeBackend) Finalize()                            {}

func TestRegistry(t *testing.T) {
	backends.Register("fake", func(config string) backends.Backend {
		return &fakeBackend{config: config}
	})
	require.True(t, backends.IsRegistered("fake"))
	assert.Contains(t, backends.List(), "fake")
	assert.Contains(t, backends.List(), "go")
	assert.False(t, backends.IsRegistered("no-such-backend"))
}

func TestNewWithConfig(t *testing.T) {
	backends.Register("fake", func(config string) backends.Backend {
		return &fakeBackend{config: config}
	})

	backend := backends.NewWithConfig("fake")
	require.Equal(t, "fake", backend.Name())
	assert.Equal(t, "", backend.(*fakeBackend).config)

	// Everything after the first colon is the backend-specific configuration.
	backend = backends.NewWithConfig("fake:opt1:opt2")
	assert.Equal(t, "opt1:opt2", backend.(*fakeBackend).config)

	require.Panics(t, func() { backends.NewWithConfig("no-such-backend") })
}

func TestMustNewUsesDefaultConfig(t *testing.T) {
	backends.Register("fake", func(config string) backends.Backend {
		return &fakeBackend{config: config}
	})
	t.Setenv(backends.OPGRAPH_BACKEND, "")
	// An empty OPGRAPH_BACKEND selects the first registered backend; DefaultConfig
	// takes over only when the variable is unset.
	backend := backends.MustNew()
	require.NotNil(t, backend)
}
