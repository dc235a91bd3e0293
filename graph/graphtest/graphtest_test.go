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

package graphtest_test

import (
	"testing"

	"github.com/gomlx/opgraph/backends/simplego"
	"github.com/gomlx/opgraph/graph/graphtest"
	"github.com/stretchr/testify/require"
)

func TestSkipIfBackendUnavailable(t *testing.T) {
	// An unregistered backend skips the subtest; a skipped subtest still reports
	// success, so the Fatal below must never run.
	passed := t.Run("unregistered backend", func(t *testing.T) {
		graphtest.SkipIfBackendUnavailable(t, "no-such-backend")
		t.Fatal("test should have been skipped")
	})
	require.True(t, passed)

	// A registered backend doesn't skip.
	ran := false
	t.Run("registered backend", func(t *testing.T) {
		graphtest.SkipIfBackendUnavailable(t, simplego.BackendName)
		ran = true
	})
	require.True(t, ran)
}
