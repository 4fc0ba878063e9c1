package main

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFixtureFile(t *testing.T) {
	f, err := os.Open("catalog.yaml")
	require.NoError(t, err)
	defer f.Close()

	snap, err := loadFixture(f)
	require.NoError(t, err)
	assert.Len(t, snap.Projects, 2)
	assert.Len(t, snap.SectorDetails, 4)

	detail := snap.SectorDetails[0]
	require.NotNil(t, detail.Location)
	assert.InDelta(t, -18.0146, detail.Location.Latitude, 1e-9)
	require.NotNil(t, detail.Quantity)
	assert.Equal(t, 1.0, *detail.Quantity)
	assert.Nil(t, snap.SectorDetails[1].Location)
	assert.Equal(t, "Estructuras", snap.Activities[0].Category)
}

func TestLoadFixtureRejects(t *testing.T) {
	tests := map[string]string{
		"duplicate id":   "projects:\n  - {id: 1, name: A}\n  - {id: 1, name: B}\n",
		"missing name":   "projects:\n  - {id: 1}\n",
		"orphan front":   "projects:\n  - {id: 1, name: A}\nfronts:\n  - {id: 10, parent_id: 2, name: F}\n",
		"unknown field":  "projects:\n  - {id: 1, name: A, colour: red}\n",
		"not a document": "- just\n- a list\n",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := loadFixture(strings.NewReader(doc))
			assert.Error(t, err)
		})
	}
}
