package proto

// Payload kinds handed to the routing collaborator. They travel between the
// two peers of one node, from the side that learned something to the side
// that has to act on it.
const (
	RoutedChallenge    = "challenge"
	RoutedSolution     = "solution"
	RoutedPleaseReject = "pls-rej"
	RoutedReject       = "reject"
	RoutedRelay        = "relay"
)

type Routed struct {
	Type      string `json:"type"`
	AssetID   string `json:"assetId,omitempty"`
	Asset     *Asset `json:"asset,omitempty"`
	Challenge string `json:"challenge,omitempty"`
	Solution  string `json:"solution,omitempty"`
	Relay     *Msg   `json:"relay,omitempty"`
}
