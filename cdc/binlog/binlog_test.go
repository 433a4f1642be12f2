// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package binlog

import (
	"testing"

	"github.com/go-mysql-org/go-mysql/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestPositionRoundTrip(t *testing.T) {
	source := New(zaptest.NewLogger(t), Config{Addr: "db:3306", ServerID: 4100})

	cursor := source.formatPosition(mysql.Position{Name: "mysql-bin.000042", Pos: 107})
	assert.Equal(t, "mysql-bin.000042:107:4100", cursor)

	pos, err := parsePosition(cursor)
	require.NoError(t, err)
	assert.Equal(t, "mysql-bin.000042", pos.Name)
	assert.EqualValues(t, 107, pos.Pos)
}

func TestParsePositionMalformed(t *testing.T) {
	for _, cursor := range []string{"", "mysql-bin.000042", "file:notanumber:1"} {
		_, err := parsePosition(cursor)
		assert.Error(t, err, "cursor %q", cursor)
	}
}

func TestName(t *testing.T) {
	source := New(zaptest.NewLogger(t), Config{Addr: "db:3306"})
	// The default server id participates in the stream name, so two
	// collectors against the same server checkpoint separately.
	assert.Equal(t, "mysql:db:3306:4001", source.Name())
}
