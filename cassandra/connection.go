package cassandra

import (
	"fmt"
	"sync"
	"time"

	"github.com/gocql/gocql"
)

// Config contains configuration for connecting to a Cassandra cluster and the splitstore keyspace.
type Config struct {
	// ClusterHosts lists contact points for the Cassandra cluster.
	ClusterHosts []string
	// Keyspace is the keyspace used for splitstore tables.
	Keyspace string
	// Consistency is the default consistency level for queries.
	Consistency gocql.Consistency
	// ConnectionTimeout is the session connection timeout.
	ConnectionTimeout time.Duration
	// Authenticator is used when the cluster requires authentication.
	Authenticator gocql.Authenticator
	// ReplicationClause defines the keyspace replication (e.g., SimpleStrategy).
	ReplicationClause string

	// ConsistencyBook allows overriding per-API consistency levels.
	ConsistencyBook ConsistencyBook
}

// ConsistencyBook enumerates per-API consistency levels used by this package.
type ConsistencyBook struct {
	StructureAdd  gocql.Consistency
	StructureGet  gocql.Consistency
	DefinitionAdd gocql.Consistency
	DefinitionGet gocql.Consistency
	IndexAdd      gocql.Consistency
	IndexUpdate   gocql.Consistency
	IndexGet      gocql.Consistency
	IndexRemove   gocql.Consistency
}

// Connection wraps a Cassandra session and its configuration.
type Connection struct {
	Session *gocql.Session
	Config
}

var connection *Connection
var mux sync.Mutex

// IsConnectionInstantiated reports whether a global Connection has been created.
func IsConnectionInstantiated() bool {
	return connection != nil
}

// OpenConnection returns the existing global Connection or opens a new one using the provided config.
func OpenConnection(config Config) (*Connection, error) {
	if connection != nil {
		return connection, nil
	}
	mux.Lock()
	defer mux.Unlock()

	if connection != nil {
		return connection, nil
	}
	if config.Keyspace == "" {
		// default keyspace
		config.Keyspace = "splitstore"
	}
	if config.Consistency == gocql.Any {
		// Defaults to LocalQuorum consistency. You should set it to an appropriate level.
		config.Consistency = gocql.LocalQuorum
	}
	cluster := gocql.NewCluster(config.ClusterHosts...)
	cluster.Consistency = config.Consistency
	if config.ReplicationClause == "" {
		// Specify an appropriate replication feature.
		config.ReplicationClause = "{'class':'SimpleStrategy', 'replication_factor':1}"
	}
	if config.ConnectionTimeout > 0 {
		cluster.ConnectTimeout = config.ConnectionTimeout
	}
	if config.Authenticator != nil {
		cluster.Authenticator = config.Authenticator
		// Clear the authenticator just to be safer, we don't need to keep it hanging around.
		config.Authenticator = nil
	}
	var c = Connection{
		Config: config,
	}
	s, err := cluster.CreateSession()
	if err != nil {
		return nil, err
	}

	if err := s.Query(fmt.Sprintf("CREATE KEYSPACE IF NOT EXISTS %s WITH REPLICATION = %s;", config.Keyspace, config.ReplicationClause)).Exec(); err != nil {
		return nil, err
	}
	// Auto create the content tables if not yet. Structures and definitions are immutable
	// documents keyed by their 24 character hex id; blocks and fields ride as JSON blobs.
	if err := s.Query(fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s.structures (id text PRIMARY KEY, root_type text, root_id text, blocks blob, previous_version text, original_version text, edited_by bigint, edited_on timestamp, schema_version int);", config.Keyspace)).Exec(); err != nil {
		return nil, err
	}
	if err := s.Query(fmt.Sprintf("CREATE INDEX IF NOT EXISTS structures_previous_version ON %s.structures (previous_version);", config.Keyspace)).Exec(); err != nil {
		return nil, err
	}
	if err := s.Query(fmt.Sprintf("CREATE INDEX IF NOT EXISTS structures_original_version ON %s.structures (original_version);", config.Keyspace)).Exec(); err != nil {
		return nil, err
	}
	if err := s.Query(fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s.definitions (id text PRIMARY KEY, block_type text, fields blob, edited_by bigint, edited_on timestamp, previous_version text, original_version text);", config.Keyspace)).Exec(); err != nil {
		return nil, err
	}
	// The legacy course index table. The _lc columns shadow the case-folded course key
	// parts so case-insensitive lookups stay index-served.
	if err := s.Query(fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s.course_indexes (course_id text PRIMARY KEY, objectid UUID, org text, course text, run text, course_id_lc text, versions blob, search_targets blob, edited_by bigint, edited_on timestamp, last_update timestamp, schema_version int);", config.Keyspace)).Exec(); err != nil {
		return nil, err
	}
	if err := s.Query(fmt.Sprintf("CREATE INDEX IF NOT EXISTS course_indexes_course_id_lc ON %s.course_indexes (course_id_lc);", config.Keyspace)).Exec(); err != nil {
		return nil, err
	}

	c.Session = s
	connection = &c
	return connection, nil
}

// CloseConnection closes and clears the global connection, if it exists.
func CloseConnection() {
	if connection != nil {
		mux.Lock()
		defer mux.Unlock()
		if connection == nil {
			return
		}
		connection.Session.Close()
		connection = nil
	}
}
