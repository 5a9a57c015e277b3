package node

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/oliy/daphne/dap"
	"github.com/oliy/daphne/messages"
	"github.com/oliy/daphne/node/store"
)

// The HTTP surface. Draft07 uses resource paths
// (/{version}/tasks/{task_id}/...); Draft02 uses fixed paths with IDs in the
// request bodies.

type routeKind uint8

const (
	routeUnknown routeKind = iota
	routeUpload
	routeAggregationJob
	routeAggregateShare
	routeCollectionJob
	routeHpkeConfig
)

type route struct {
	kind      routeKind
	taskID    messages.TaskID
	aggJobRef AggJobRef
	collectID messages.CollectionJobID
	isInit    bool
}

func splitVersion(path string) (messages.Version, string) {
	trimmed := strings.TrimPrefix(path, "/")
	version, rest, _ := strings.Cut(trimmed, "/")
	return messages.ParseVersion(version), "/" + rest
}

func parseRoute(version messages.Version, method, path string) (*route, error) {
	parts := strings.Split(strings.Trim(path, "/"), "/")

	if version == messages.Draft02 {
		switch parts[0] {
		case "upload":
			return &route{kind: routeUpload}, nil
		case "aggregate":
			return &route{kind: routeAggregationJob, isInit: method == http.MethodPut}, nil
		case "aggregate_share":
			return &route{kind: routeAggregateShare}, nil
		case "collect":
			out := &route{kind: routeCollectionJob}
			if len(parts) == 2 {
				jobID, ok := messages.CollectionJobIDFromBase64URL(parts[1])
				if !ok {
					return nil, fmt.Errorf("node: malformed collection job ID in path")
				}
				out.collectID = jobID
			}
			return out, nil
		case "hpke_config":
			return &route{kind: routeHpkeConfig}, nil
		default:
			return nil, fmt.Errorf("node: unhandled path %s", path)
		}
	}

	if parts[0] == "hpke_config" {
		return &route{kind: routeHpkeConfig}, nil
	}
	if len(parts) < 3 || parts[0] != "tasks" {
		return nil, fmt.Errorf("node: unhandled path %s", path)
	}
	taskID, ok := messages.TaskIDFromBase64URL(parts[1])
	if !ok {
		return nil, fmt.Errorf("node: malformed task ID in path")
	}
	out := &route{taskID: taskID}
	switch parts[2] {
	case "reports":
		out.kind = routeUpload
	case "aggregation_jobs":
		if len(parts) != 4 {
			return nil, fmt.Errorf("node: unhandled path %s", path)
		}
		jobID, ok := messages.AggregationJobIDFromBase64URL(parts[3])
		if !ok {
			return nil, fmt.Errorf("node: malformed aggregation job ID in path")
		}
		out.kind = routeAggregationJob
		out.aggJobRef = AggJobRef{Draft07: &jobID}
		out.isInit = method == http.MethodPut
	case "aggregate_shares":
		out.kind = routeAggregateShare
	case "collection_jobs":
		if len(parts) != 4 {
			return nil, fmt.Errorf("node: unhandled path %s", path)
		}
		jobID, ok := messages.CollectionJobIDFromBase64URL(parts[3])
		if !ok {
			return nil, fmt.Errorf("node: malformed collection job ID in path")
		}
		out.kind = routeCollectionJob
		out.collectID = jobID
	default:
		return nil, fmt.Errorf("node: unhandled path %s", path)
	}
	return out, nil
}

// problemDocument is the RFC 7807 body for protocol aborts.
type problemDocument struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Detail string `json:"detail,omitempty"`
	TaskID string `json:"taskid,omitempty"`
}

// Server exposes the DAP endpoints of one Aggregator process.
type Server struct {
	Leader *Leader // nil on a helper
	Helper *Helper // nil on a leader

	// BearerToken, when set, gates the aggregation and collection endpoints.
	BearerToken string
}

func (s *Server) aggregator() *Aggregator {
	if s.Leader != nil {
		return s.Leader.Aggregator
	}
	return s.Helper.Aggregator
}

func (s *Server) writeAbort(w http.ResponseWriter, abort *dap.Abort) {
	if abort.Kind == dap.AbortInternal {
		s.aggregator().logger().Error("internal error serving request", "err", abort.Inner)
	}
	doc := problemDocument{
		Type:   abort.TypeURI(),
		Title:  string(abort.Kind),
		Detail: abort.Detail,
	}
	if abort.TaskID != nil {
		doc.TaskID = abort.TaskID.Base64URL()
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(abort.HTTPStatus())
	_ = json.NewEncoder(w).Encode(doc)
}

func (s *Server) authorized(r *http.Request) bool {
	if s.BearerToken == "" {
		return true
	}
	return r.Header.Get("DAP-Auth-Token") == s.BearerToken
}

// ServeHTTP implements the endpoint table for both versions.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	version, rest := splitVersion(r.URL.Path)
	if !version.Known() {
		s.writeAbort(w, &dap.Abort{Kind: dap.AbortBadRequest, Detail: "unknown protocol version"})
		return
	}
	parsed, err := parseRoute(version, r.Method, rest)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeAbort(w, &dap.Abort{Kind: dap.AbortBadRequest, Detail: "unreadable request body"})
		return
	}

	if err := s.dispatch(w, r, version, parsed, body); err != nil {
		s.writeAbort(w, dap.AsAbort(err))
	}
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, version messages.Version, parsed *route, body []byte) error {
	switch parsed.kind {
	case routeHpkeConfig:
		encoded, err := s.aggregator().HpkeConfigList().Encode()
		if err != nil {
			return err
		}
		w.Header().Set("Content-Type", MediaTypeHpkeConfigList.String(version))
		_, _ = w.Write(encoded)
		return nil

	case routeUpload:
		if s.Leader == nil {
			return &dap.Abort{Kind: dap.AbortBadRequest, Detail: "not a leader"}
		}
		if r.Method != http.MethodPut && r.Method != http.MethodPost {
			return &dap.Abort{Kind: dap.AbortBadRequest, Detail: "unexpected method"}
		}
		if err := s.Leader.HandleUploadReq(version, parsed.taskID, body); err != nil {
			return err
		}
		w.WriteHeader(http.StatusOK)
		return nil

	case routeAggregationJob:
		if s.Helper == nil {
			return &dap.Abort{Kind: dap.AbortBadRequest, Detail: "not a helper"}
		}
		if !s.authorized(r) {
			return &dap.Abort{Kind: dap.AbortUnauthorizedRequest, Detail: "missing or invalid bearer token"}
		}
		isInit := parsed.isInit
		if version == messages.Draft02 {
			isInit = r.Header.Get("Content-Type") == MediaTypeAggregationJobInitReq.String(version)
		}
		var encoded []byte
		var err error
		if isInit {
			encoded, err = s.Helper.HandleAggJobInitReq(version, parsed.taskID, parsed.aggJobRef, body)
		} else {
			encoded, err = s.Helper.HandleAggJobContReq(version, parsed.taskID, parsed.aggJobRef, body)
		}
		if err != nil {
			return err
		}
		w.Header().Set("Content-Type", MediaTypeAggregationJobResp.String(version))
		_, _ = w.Write(encoded)
		return nil

	case routeAggregateShare:
		if s.Helper == nil {
			return &dap.Abort{Kind: dap.AbortBadRequest, Detail: "not a helper"}
		}
		if !s.authorized(r) {
			return &dap.Abort{Kind: dap.AbortUnauthorizedRequest, Detail: "missing or invalid bearer token"}
		}
		encoded, err := s.Helper.HandleAggShareReq(version, parsed.taskID, body)
		if err != nil {
			return err
		}
		w.Header().Set("Content-Type", MediaTypeAggregateShare.String(version))
		_, _ = w.Write(encoded)
		return nil

	case routeCollectionJob:
		if s.Leader == nil {
			return &dap.Abort{Kind: dap.AbortBadRequest, Detail: "not a leader"}
		}
		if !s.authorized(r) {
			return &dap.Abort{Kind: dap.AbortUnauthorizedRequest, Detail: "missing or invalid bearer token"}
		}
		switch {
		case r.Method == http.MethodPut || (version == messages.Draft02 && r.Method == http.MethodPost):
			var jobID *messages.CollectionJobID
			if version != messages.Draft02 {
				id := parsed.collectID
				jobID = &id
			}
			if _, err := s.Leader.HandleCollectJobReq(version, parsed.taskID, jobID, body); err != nil {
				return err
			}
			w.WriteHeader(http.StatusCreated)
			return nil
		case r.Method == http.MethodPost || r.Method == http.MethodGet:
			return s.servePollCollectJob(w, version, parsed)
		default:
			return &dap.Abort{Kind: dap.AbortBadRequest, Detail: "unexpected method"}
		}

	default:
		return &dap.Abort{Kind: dap.AbortBadRequest, Detail: "unhandled route"}
	}
}

func (s *Server) servePollCollectJob(w http.ResponseWriter, version messages.Version, parsed *route) error {
	state, collection, err := s.Leader.PollCollectJob(parsed.taskID, parsed.collectID)
	if err != nil {
		return err
	}
	switch {
	case collection != nil:
		encoded, err := collection.Encode(version)
		if err != nil {
			return err
		}
		w.Header().Set("Content-Type", MediaTypeCollection.String(version))
		_, _ = w.Write(encoded)
		return nil
	case state == store.CollectJobPending:
		w.WriteHeader(http.StatusAccepted)
		return nil
	default:
		return &dap.Abort{Kind: dap.AbortBadRequest, Detail: "unknown collect job"}
	}
}
