package dtn

// Messages exchanged between nodes during sync. All are JSON objects.

// IndexResponse answers GET /sync/index
type IndexResponse struct {
	NodeID  string          `json:"node_id,omitempty"`
	Count   int             `json:"count"`
	Bundles []ManifestEntry `json:"bundles"`
}

// PushRequest is the body of POST /sync/push
type PushRequest struct {
	PeerID  string    `json:"peer_id,omitempty"`
	Bundles []*Bundle `json:"bundles"`
}

// Rejection names one refused bundle
type Rejection struct {
	BundleID string       `json:"bundle_id"`
	Reason   RejectReason `json:"reason"`
}

// PushResult reports the outcome of every pushed bundle. Accepted
// includes bundles that were already stored.
type PushResult struct {
	Accepted []string    `json:"accepted"`
	Rejected []Rejection `json:"rejected"`
}

// PullResponse answers GET /sync/pull
type PullResponse struct {
	Count   int       `json:"count"`
	Bundles []*Bundle `json:"bundles"`
}
