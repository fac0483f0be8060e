// Package dagdir implements mutable UnixFS directories over an immutable
// DAG service. Directories are edited copy on write: every flush of a
// changed directory produces a new node, and the serialized layout switches
// between a single flat node and a HAMT shard depending on estimated size.
package dagdir
