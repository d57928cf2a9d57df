package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/traceline/bomflow/internal/model"
)

func writeItemsFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "items.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadItemsFile(t *testing.T) {
	path := writeItemsFile(t, `[
		{"mpn": "STM32F103C8T6", "manufacturer": "STMicroelectronics", "quantity": 2, "reference_designators": ["U1", "U2"], "criticality": "high"},
		{"mpn": " NE555 ", "manufacturer": "TI"}
	]`)

	items, err := loadItemsFile(path)
	require.NoError(t, err)
	require.Len(t, items, 2)

	assert.Equal(t, "STM32F103C8T6", items[0].MPN)
	assert.Equal(t, 2, items[0].Quantity)
	assert.Equal(t, []string{"U1", "U2"}, items[0].RefDesignators)
	assert.Equal(t, model.CriticalityHigh, items[0].Criticality)

	// Whitespace is trimmed and a missing quantity defaults to one.
	assert.Equal(t, "NE555", items[1].MPN)
	assert.Equal(t, 1, items[1].Quantity)
}

func TestLoadItemsFile_EmptyArray(t *testing.T) {
	path := writeItemsFile(t, `[]`)

	_, err := loadItemsFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty")
}

func TestLoadItemsFile_MissingMPN(t *testing.T) {
	path := writeItemsFile(t, `[{"manufacturer": "TI", "quantity": 1}]`)

	_, err := loadItemsFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mpn is required")
}

func TestLoadItemsFile_BadJSON(t *testing.T) {
	path := writeItemsFile(t, `{not json`)

	_, err := loadItemsFile(path)
	require.Error(t, err)
}

func TestLoadItemsFile_MissingFile(t *testing.T) {
	_, err := loadItemsFile(filepath.Join(t.TempDir(), "nope.json"))
	require.Error(t, err)
}
