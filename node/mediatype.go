package node

import "github.com/oliy/daphne/messages"

// MediaType names a DAP message type on the HTTP surface. The concrete
// content-type string depends on the protocol version.
type MediaType uint8

const (
	MediaTypeReport MediaType = iota + 1
	MediaTypeAggregationJobInitReq
	MediaTypeAggregationJobContinueReq
	MediaTypeAggregationJobResp
	MediaTypeAggregateShareReq
	MediaTypeAggregateShare
	MediaTypeCollectionReq
	MediaTypeCollection
	MediaTypeHpkeConfigList
)

// String returns the content-type for the media type under the given version,
// or "" when the pair is invalid.
func (m MediaType) String(v messages.Version) string {
	switch v {
	case messages.Draft02:
		switch m {
		case MediaTypeReport:
			return "application/dap-report"
		case MediaTypeAggregationJobInitReq:
			return "application/dap-aggregate-initialize-req"
		case MediaTypeAggregationJobContinueReq:
			return "application/dap-aggregate-continue-req"
		case MediaTypeAggregationJobResp:
			return "application/dap-aggregate-resp"
		case MediaTypeAggregateShareReq:
			return "application/dap-aggregate-share-req"
		case MediaTypeAggregateShare:
			return "application/dap-aggregate-share-resp"
		case MediaTypeCollectionReq:
			return "application/dap-collect-req"
		case MediaTypeCollection:
			return "application/dap-collect-resp"
		case MediaTypeHpkeConfigList:
			return "application/dap-hpke-config"
		}
	case messages.Draft07:
		switch m {
		case MediaTypeReport:
			return "application/dap-report"
		case MediaTypeAggregationJobInitReq:
			return "application/dap-aggregation-job-init-req"
		case MediaTypeAggregationJobContinueReq:
			return "application/dap-aggregation-job-continue-req"
		case MediaTypeAggregationJobResp:
			return "application/dap-aggregation-job-resp"
		case MediaTypeAggregateShareReq:
			return "application/dap-aggregate-share-req"
		case MediaTypeAggregateShare:
			return "application/dap-aggregate-share"
		case MediaTypeCollectionReq:
			return "application/dap-collect-req"
		case MediaTypeCollection:
			return "application/dap-collection"
		case MediaTypeHpkeConfigList:
			return "application/dap-hpke-config-list"
		}
	}
	return ""
}
