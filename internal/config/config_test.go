// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBasic(t *testing.T) {
	doc := []byte(`{
		"net": {"local": {"type": "local"}},
		"server": {"in": {"type": "socks5", "listen": "local", "net": "local", "bind": "127.0.0.1:1080"}}
	}`)
	c, err := Parse(doc)
	require.NoError(t, err)
	assert.Contains(t, c.Net, "local")
	assert.Equal(t, "local", c.Net["local"].Type)
	assert.Contains(t, c.Server, "in")
	assert.Equal(t, "socks5", c.Server["in"].Type)
}

func TestParseEmptyMapsNeverNil(t *testing.T) {
	c, err := Parse([]byte(`{}`))
	require.NoError(t, err)
	assert.NotNil(t, c.Net)
	assert.NotNil(t, c.Server)
}

func TestLoadMergeImport(t *testing.T) {
	dir := t.TempDir()
	other := filepath.Join(dir, "other.json")
	writeFile(t, other, `{
		"net": {"local": {"type": "local"}, "extra": {"type": "block"}},
		"server": {}
	}`)

	main := filepath.Join(dir, "main.json")
	writeFile(t, main, fmt.Sprintf(`{
		"net": {"local": {"type": "block"}},
		"server": {},
		"import": [{"format": "merge", "source": %q}]
	}`, other))

	c, err := Load(main)
	require.NoError(t, err)
	// the imported document's entries win per key (later wins).
	assert.Equal(t, "local", c.Net["local"].Type)
	assert.Contains(t, c.Net, "extra")
}

func TestClashImportUnsupported(t *testing.T) {
	doc := []byte(`{"net": {}, "server": {}, "import": [{"format": "clash", "source": "x"}]}`)
	_, err := Parse(doc)
	assert.Error(t, err)
}

func TestUnknownImportFormat(t *testing.T) {
	doc := []byte(`{"net": {}, "server": {}, "import": [{"format": "bogus", "source": "x"}]}`)
	_, err := Parse(doc)
	assert.Error(t, err)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}
