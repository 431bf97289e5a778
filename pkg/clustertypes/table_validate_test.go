package clustertypes

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func registryOf(tables ...*Table) func(database, table string) (*Table, bool) {
	return func(database, name string) (*Table, bool) {
		for _, t := range tables {
			if t.Database == database && t.Name == name {
				return t, true
			}
		}
		return nil, false
	}
}

func TestTableValidate(t *testing.T) {
	director := &Table{
		Database: "d1", Name: "Object", IsDirector: true, IsPartitioned: true,
		LatitudeColName: "decl", LongitudeColName: "ra",
		Columns: []Column{{Name: "subChunkId"}},
	}
	director2 := &Table{
		Database: "d1", Name: "Object2", IsDirector: true, IsPartitioned: true,
		LatitudeColName: "decl", LongitudeColName: "ra",
		Columns: []Column{{Name: "subChunkId"}},
	}

	tests := []struct {
		name    string
		table   *Table
		wantErr bool
	}{
		{
			name:  "valid director",
			table: director,
		},
		{
			name: "director with director ref is invalid",
			table: &Table{
				Database: "d1", Name: "Bad", IsDirector: true, IsPartitioned: true,
				DirectorTable:   "Object",
				LatitudeColName: "decl", LongitudeColName: "ra",
				Columns: []Column{{Name: "subChunkId"}},
			},
			wantErr: true,
		},
		{
			name: "valid dependent",
			table: &Table{
				Database: "d1", Name: "Source", IsPartitioned: true,
				DirectorTable: "Object", DirectorKey: "objectId",
				Columns: []Column{{Name: "objectId"}},
			},
		},
		{
			name: "dependent missing FK",
			table: &Table{
				Database: "d1", Name: "Source", IsPartitioned: true,
				DirectorTable: "Object", DirectorKey: "objectId",
			},
			wantErr: true,
		},
		{
			name: "dependent unknown director",
			table: &Table{
				Database: "d1", Name: "Source", IsPartitioned: true,
				DirectorTable: "NoSuch", DirectorKey: "objectId",
				Columns: []Column{{Name: "objectId"}},
			},
			wantErr: true,
		},
		{
			name: "valid ref-match",
			table: &Table{
				Database: "d1", Name: "Match", IsPartitioned: true, IsRefMatch: true,
				DirectorTable: "Object", DirectorKey: "objectId",
				DirectorTable2: "Object2", DirectorKey2: "objectId2",
				FlagColName: "flag", AngSep: 0.01,
				Columns: []Column{{Name: "objectId"}, {Name: "objectId2"}},
			},
		},
		{
			name: "ref-match requires angSep > 0",
			table: &Table{
				Database: "d1", Name: "Match", IsPartitioned: true, IsRefMatch: true,
				DirectorTable: "Object", DirectorKey: "objectId",
				DirectorTable2: "Object2", DirectorKey2: "objectId2",
				FlagColName: "flag", AngSep: 0,
				Columns: []Column{{Name: "objectId"}, {Name: "objectId2"}},
			},
			wantErr: true,
		},
		{
			name: "valid regular",
			table: &Table{Database: "d1", Name: "Plain"},
		},
		{
			name: "regular with lat/lon is invalid",
			table: &Table{
				Database: "d1", Name: "Plain", LatitudeColName: "decl", LongitudeColName: "ra",
			},
			wantErr: true,
		},
	}

	resolve := registryOf(director, director2)
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.table.Validate(resolve)
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSanitizeDefaultsCreateTime(t *testing.T) {
	tbl := &Table{Database: "d1", Name: "Plain"}
	tbl.Sanitize()
	assert.False(t, tbl.CreateTime.IsZero())
}
