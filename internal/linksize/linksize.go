package linksize

import "github.com/ipfs/go-cid"

// LinkSizeFunction estimates the serialized footprint of a single directory
// link. Production code installs an estimator based on the real name and CID
// lengths; tests may swap it for a fixed-size function to make size arithmetic
// predictable.
var LinkSizeFunction func(linkName string, linkCid cid.Cid) int
