package main

import (
	"bytes"
	"context"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fixmypic/service_layer/internal/cipher"
	"github.com/fixmypic/service_layer/internal/cli"
	"github.com/fixmypic/service_layer/internal/journal"
)

func TestFormatEther(t *testing.T) {
	assert.Equal(t, "0.0025", formatEther(big.NewInt(2_500_000_000_000_000)))
	wei, _ := new(big.Int).SetString("3000000000000000000", 10)
	assert.Equal(t, "3", formatEther(wei))
	assert.Equal(t, "0.000000000000000001", formatEther(big.NewInt(1)))
}

func TestEncryptCommand(t *testing.T) {
	t.Setenv("ENCRYPT_SECRET_KEY", "cli-test-secret")
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs([]string{"encrypt", "--env", "", "QmOriginal"})
	t.Cleanup(func() { rootCmd.SetArgs(nil) })

	require.NoError(t, rootCmd.Execute())

	c, err := cipher.New("cli-test-secret")
	require.NoError(t, err)
	plain, err := c.Decrypt(strings.TrimSpace(out.String()))
	require.NoError(t, err)
	assert.Equal(t, "QmOriginal", plain)
}

func TestIntentsRequiresDatabase(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs([]string{"intents", "--env", ""})
	t.Cleanup(func() { rootCmd.SetArgs(nil) })

	err := rootCmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
}

func TestPrintIntents(t *testing.T) {
	j := journal.NewMemoryJournal()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, j.Record(context.Background(), journal.Entry{
		LocalID: "a1", Kind: "purchase", Status: "failed", ErrorKind: "CHAIN_ERROR", StartedAt: now, FinishedAt: now,
	}))
	require.NoError(t, j.Record(context.Background(), journal.Entry{
		LocalID: "b2", Kind: "comment", Status: "confirmed", AuthoritativeID: "0xc0", StartedAt: now, FinishedAt: now.Add(time.Minute),
	}))

	var out bytes.Buffer
	e := &env{out: cli.NewPrinter(&out)}
	intentFilter.Status = "failed"
	t.Cleanup(func() { intentFilter.Status = "" })

	require.NoError(t, printIntents(context.Background(), e, j))
	assert.Contains(t, out.String(), "CHAIN_ERROR")
	assert.NotContains(t, out.String(), "b2")
}
