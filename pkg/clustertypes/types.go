// Package clustertypes defines the cluster topology entities owned by the
// Configuration service: hosts, workers, Czars, database families, databases
// and their partitioned tables.
package clustertypes

import "time"

// Host identifies a network endpoint. Addr is authoritative; Name is
// informational only.
type Host struct {
	Addr string `json:"addr"`
	Name string `json:"name"`
}

// Worker is a cluster node hosting chunk data, a replication service, a file
// service, loaders/exporters, and a Qserv query-engine endpoint.
type Worker struct {
	Name       string `json:"name" validate:"required"`
	IsEnabled  bool   `json:"is_enabled"`
	IsReadOnly bool   `json:"is_read_only"`

	SvcHost Host `json:"svc_host"`
	SvcPort int  `json:"svc_port"`

	FSHost  Host   `json:"fs_host"`
	FSPort  int    `json:"fs_port"`
	DataDir string `json:"data_dir"`

	LoaderHost   Host   `json:"loader_host"`
	LoaderPort   int    `json:"loader_port"`
	LoaderTmpDir string `json:"loader_tmp_dir"`

	ExporterHost   Host   `json:"exporter_host"`
	ExporterPort   int    `json:"exporter_port"`
	ExporterTmpDir string `json:"exporter_tmp_dir"`

	HTTPLoaderHost   Host   `json:"http_loader_host"`
	HTTPLoaderPort   int    `json:"http_loader_port"`
	HTTPLoaderTmpDir string `json:"http_loader_tmp_dir"`

	QservWorker Host `json:"qserv_worker"`
}

// Czar is the Qserv query coordinator.
type Czar struct {
	Name string `json:"name" validate:"required"`
	ID   string `json:"id" validate:"required"`
	Host string `json:"host" validate:"required"`
	Port int    `json:"port"`
}

// DatabaseFamily is a set of databases sharing stripe/sub-stripe
// partitioning and a replication level.
type DatabaseFamily struct {
	Name             string  `json:"name" validate:"required"`
	ReplicationLevel int     `json:"replication_level" validate:"min=1"`
	NumStripes       int     `json:"num_stripes" validate:"min=1"`
	NumSubStripes    int     `json:"num_sub_stripes" validate:"min=1"`
	Overlap          float64 `json:"overlap" validate:"gt=0"`
}

// Database is a named collection of tables belonging to a family.
type Database struct {
	Name        string    `json:"name" validate:"required"`
	Family      string    `json:"family" validate:"required"`
	IsPublished bool      `json:"is_published"`
	CreateTime  time.Time `json:"create_time"`
	PublishTime time.Time `json:"publish_time"`
	Tables      []string  `json:"tables"`
}

// Column is a single table column definition.
type Column struct {
	Name string `json:"name" validate:"required"`
	Type string `json:"type"`
}

// Table describes one of the four table flavors: regular, director,
// dependent (references a director), or ref-match (references two
// directors).
type Table struct {
	Database string `json:"database" validate:"required"`
	Name     string `json:"name" validate:"required"`

	IsPartitioned bool `json:"is_partitioned"`
	IsDirector    bool `json:"is_director"`
	IsRefMatch    bool `json:"is_ref_match"`

	DirectorTable  string `json:"director_table"`
	DirectorTable2 string `json:"director_table2"`
	DirectorKey    string `json:"director_key"`
	DirectorKey2   string `json:"director_key2"`

	LatitudeColName  string  `json:"latitude_col_name"`
	LongitudeColName string  `json:"longitude_col_name"`
	FlagColName      string  `json:"flag_col_name"`
	AngSep           float64 `json:"ang_sep"`

	UniquePrimaryKey bool     `json:"unique_primary_key"`
	Columns          []Column `json:"columns"`

	IsPublished bool      `json:"is_published"`
	CreateTime  time.Time `json:"create_time"`
	PublishTime time.Time `json:"publish_time"`
}

// HasLatLon reports whether both latitude and longitude columns are set.
func (t *Table) HasLatLon() bool {
	return t.LatitudeColName != "" && t.LongitudeColName != ""
}

// HasAnyLatLon reports whether either latitude or longitude column is set.
func (t *Table) HasAnyLatLon() bool {
	return t.LatitudeColName != "" || t.LongitudeColName != ""
}

// hasColumn reports whether name appears in the table's column list.
func (t *Table) hasColumn(name string) bool {
	for _, c := range t.Columns {
		if c.Name == name {
			return true
		}
	}
	return false
}
