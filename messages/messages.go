// Package messages implements the canonical wire format for every DAP
// protocol message, parameterized by protocol version.
//
// Encoding is deterministic and byte-exact: integers are big-endian with
// fixed widths, variable-length byte strings carry a u16 or u32 length
// prefix, item lists carry the total byte length of their concatenated
// encodings, and tagged unions carry a discriminator byte. Decoding any
// malformed or version-inconsistent input returns a *CodecError; it never
// panics.
package messages

// Extension type codes recognized by this implementation.
const ExtensionTypeTaskprov uint16 = 0xff00

// Extension is a tagged report extension. An extension whose type code is not
// recognized still decodes (the payload is kept opaque), but contexts that
// require recognition reject it.
type Extension struct {
	Type    uint16
	Payload []byte
}

// Recognized reports whether the extension type is known to this
// implementation.
func (e Extension) Recognized() bool {
	return e.Type == ExtensionTypeTaskprov
}

func appendExtension(dst []byte, e Extension) ([]byte, error) {
	dst = appendU16(dst, e.Type)
	return appendU16Bytes(dst, e.Payload)
}

func (c *cursor) readExtension() (Extension, error) {
	typ, err := c.readU16()
	if err != nil {
		return Extension{}, err
	}
	payload, err := c.readU16Bytes()
	if err != nil {
		return Extension{}, err
	}
	return Extension{Type: typ, Payload: payload}, nil
}

func appendExtensionList(dst []byte, exts []Extension) ([]byte, error) {
	var items []byte
	for _, e := range exts {
		var err error
		items, err = appendExtension(items, e)
		if err != nil {
			return nil, err
		}
	}
	return appendU16Items(dst, items)
}

// readExtensionList decodes a u16-framed extension list and enforces the
// discipline required of ReportMetadata and PlaintextInputShare: no duplicate
// type codes and no unrecognized extensions.
func (c *cursor) readExtensionList() ([]Extension, error) {
	n, err := c.readU16()
	if err != nil {
		return nil, err
	}
	sub, err := c.sub(int(n))
	if err != nil {
		return nil, err
	}
	var exts []Extension
	seen := make(map[uint16]struct{})
	for sub.remaining() > 0 {
		e, err := sub.readExtension()
		if err != nil {
			return nil, err
		}
		if _, dup := seen[e.Type]; dup {
			return nil, errUnexpectedValue("duplicate extension type 0x%04x", e.Type)
		}
		seen[e.Type] = struct{}{}
		if !e.Recognized() {
			return nil, errUnexpectedValue("unrecognized extension type 0x%04x", e.Type)
		}
		exts = append(exts, e)
	}
	return exts, nil
}

// ReportMetadata identifies a report and the time of its measurement.
// Extensions ride here only in Draft02; later drafts carry them inside the
// encrypted PlaintextInputShare instead. Encoding extensions under any other
// version is a contract violation and fails loudly.
type ReportMetadata struct {
	ID         ReportID
	Time       Time
	Extensions []Extension
}

func appendReportMetadata(dst []byte, v Version, m *ReportMetadata) ([]byte, error) {
	dst = append(dst, m.ID[:]...)
	dst = appendU64(dst, m.Time)
	if v == Draft02 {
		return appendExtensionList(dst, m.Extensions)
	}
	if len(m.Extensions) != 0 {
		return nil, errVersionf(v, "extensions on ReportMetadata")
	}
	if !v.Known() {
		return nil, errVersion(v)
	}
	return dst, nil
}

func errVersionf(v Version, what string) error {
	return codecErr(CODEC_ERR_VERSION, "cannot encode %s in version %q", what, v)
}

// Encode returns the canonical encoding of the metadata under v.
func (m *ReportMetadata) Encode(v Version) ([]byte, error) {
	return appendReportMetadata(nil, v, m)
}

func (c *cursor) readReportMetadata(v Version) (ReportMetadata, error) {
	id, err := c.readReportID()
	if err != nil {
		return ReportMetadata{}, err
	}
	t, err := c.readU64()
	if err != nil {
		return ReportMetadata{}, err
	}
	m := ReportMetadata{ID: id, Time: t}
	switch v {
	case Draft02:
		m.Extensions, err = c.readExtensionList()
		if err != nil {
			return ReportMetadata{}, err
		}
	case Draft07:
	default:
		return ReportMetadata{}, errVersion(v)
	}
	return m, nil
}

// HpkeCiphertext is a sealed payload addressed to a particular HPKE config.
type HpkeCiphertext struct {
	ConfigID uint8
	Enc      []byte
	Payload  []byte
}

func appendHpkeCiphertext(dst []byte, ct *HpkeCiphertext) ([]byte, error) {
	dst = append(dst, ct.ConfigID)
	dst, err := appendU16Bytes(dst, ct.Enc)
	if err != nil {
		return nil, err
	}
	return appendU32Bytes(dst, ct.Payload)
}

func (c *cursor) readHpkeCiphertext() (HpkeCiphertext, error) {
	id, err := c.readU8()
	if err != nil {
		return HpkeCiphertext{}, err
	}
	enc, err := c.readU16Bytes()
	if err != nil {
		return HpkeCiphertext{}, err
	}
	payload, err := c.readU32Bytes()
	if err != nil {
		return HpkeCiphertext{}, err
	}
	return HpkeCiphertext{ConfigID: id, Enc: enc, Payload: payload}, nil
}

// Report is a client's contribution: metadata, the public share, and one
// encrypted input share per Aggregator (Leader first, then Helper).
type Report struct {
	Draft02TaskID        *TaskID // set iff version is Draft02
	Metadata             ReportMetadata
	PublicShare          []byte
	EncryptedInputShares []HpkeCiphertext
}

func (r *Report) Encode(v Version) ([]byte, error) {
	var dst []byte
	if v == Draft02 {
		if r.Draft02TaskID == nil {
			return nil, errVersionf(v, "Report without task ID")
		}
		dst = append(dst, r.Draft02TaskID[:]...)
	}
	dst, err := appendReportMetadata(dst, v, &r.Metadata)
	if err != nil {
		return nil, err
	}
	dst, err = appendU32Bytes(dst, r.PublicShare)
	if err != nil {
		return nil, err
	}
	var items []byte
	for i := range r.EncryptedInputShares {
		items, err = appendHpkeCiphertext(items, &r.EncryptedInputShares[i])
		if err != nil {
			return nil, err
		}
	}
	return appendU32Items(dst, items)
}

func DecodeReport(v Version, b []byte) (*Report, error) {
	if !v.Known() {
		return nil, errVersion(v)
	}
	c := newCursor(b)
	var r Report
	if v == Draft02 {
		id, err := c.readTaskID()
		if err != nil {
			return nil, err
		}
		r.Draft02TaskID = &id
	}
	var err error
	r.Metadata, err = c.readReportMetadata(v)
	if err != nil {
		return nil, err
	}
	r.PublicShare, err = c.readU32Bytes()
	if err != nil {
		return nil, err
	}
	n, err := c.readU32()
	if err != nil {
		return nil, err
	}
	sub, err := c.sub(int(n))
	if err != nil {
		return nil, err
	}
	for sub.remaining() > 0 {
		ct, err := sub.readHpkeCiphertext()
		if err != nil {
			return nil, err
		}
		r.EncryptedInputShares = append(r.EncryptedInputShares, ct)
	}
	if err := c.finish(); err != nil {
		return nil, err
	}
	return &r, nil
}

// ReportShare is the per-report portion of an aggregation job init request:
// the Helper's view of one report.
type ReportShare struct {
	Metadata            ReportMetadata
	PublicShare         []byte
	EncryptedInputShare HpkeCiphertext
}

func appendReportShare(dst []byte, v Version, rs *ReportShare) ([]byte, error) {
	dst, err := appendReportMetadata(dst, v, &rs.Metadata)
	if err != nil {
		return nil, err
	}
	dst, err = appendU32Bytes(dst, rs.PublicShare)
	if err != nil {
		return nil, err
	}
	return appendHpkeCiphertext(dst, &rs.EncryptedInputShare)
}

func (c *cursor) readReportShare(v Version) (ReportShare, error) {
	md, err := c.readReportMetadata(v)
	if err != nil {
		return ReportShare{}, err
	}
	pub, err := c.readU32Bytes()
	if err != nil {
		return ReportShare{}, err
	}
	ct, err := c.readHpkeCiphertext()
	if err != nil {
		return ReportShare{}, err
	}
	return ReportShare{Metadata: md, PublicShare: pub, EncryptedInputShare: ct}, nil
}

// Query type discriminators.
const (
	queryTypeTimeInterval uint8 = 0x01
	queryTypeFixedSize    uint8 = 0x02

	fixedSizeByBatchID    uint8 = 0x00
	fixedSizeCurrentBatch uint8 = 0x01
)

// QueryKind discriminates the Query/selector sum types.
type QueryKind uint8

const (
	QueryTimeInterval QueryKind = iota + 1
	QueryFixedSizeByBatchID
	QueryFixedSizeCurrentBatch
)

func (k QueryKind) String() string {
	switch k {
	case QueryTimeInterval:
		return "time_interval"
	case QueryFixedSizeByBatchID, QueryFixedSizeCurrentBatch:
		return "fixed_size"
	default:
		return "unknown"
	}
}

// Query is the Collector's batch description in a collect request.
type Query struct {
	Kind          QueryKind
	BatchInterval Interval // QueryTimeInterval
	BatchID       BatchID  // QueryFixedSizeByBatchID
}

func appendQuery(dst []byte, v Version, q *Query) ([]byte, error) {
	switch q.Kind {
	case QueryTimeInterval:
		dst = append(dst, queryTypeTimeInterval)
		return q.BatchInterval.append(dst), nil
	case QueryFixedSizeByBatchID:
		dst = append(dst, queryTypeFixedSize)
		if v != Draft02 {
			dst = append(dst, fixedSizeByBatchID)
		}
		return append(dst, q.BatchID[:]...), nil
	case QueryFixedSizeCurrentBatch:
		if v == Draft02 {
			return nil, errVersionf(v, "fixed-size current-batch query")
		}
		dst = append(dst, queryTypeFixedSize)
		return append(dst, fixedSizeCurrentBatch), nil
	default:
		return nil, errUnexpectedValue("invalid query kind %d", q.Kind)
	}
}

func (c *cursor) readQuery(v Version) (Query, error) {
	typ, err := c.readU8()
	if err != nil {
		return Query{}, err
	}
	switch typ {
	case queryTypeTimeInterval:
		iv, err := c.readInterval()
		if err != nil {
			return Query{}, err
		}
		return Query{Kind: QueryTimeInterval, BatchInterval: iv}, nil
	case queryTypeFixedSize:
		if v == Draft02 {
			id, err := c.readBatchID()
			if err != nil {
				return Query{}, err
			}
			return Query{Kind: QueryFixedSizeByBatchID, BatchID: id}, nil
		}
		sub, err := c.readU8()
		if err != nil {
			return Query{}, err
		}
		switch sub {
		case fixedSizeByBatchID:
			id, err := c.readBatchID()
			if err != nil {
				return Query{}, err
			}
			return Query{Kind: QueryFixedSizeByBatchID, BatchID: id}, nil
		case fixedSizeCurrentBatch:
			return Query{Kind: QueryFixedSizeCurrentBatch}, nil
		default:
			return Query{}, errUnexpectedValue("invalid fixed-size query subtype %d", sub)
		}
	default:
		return Query{}, errUnexpectedValue("invalid query type %d", typ)
	}
}

// PartialBatchSelector tells the Helper which batch the reports of an
// aggregation job belong to. It is version-free on the wire.
type PartialBatchSelector struct {
	Kind    QueryKind // QueryTimeInterval or QueryFixedSizeByBatchID
	BatchID BatchID
}

func appendPartialBatchSelector(dst []byte, s *PartialBatchSelector) ([]byte, error) {
	switch s.Kind {
	case QueryTimeInterval:
		return append(dst, queryTypeTimeInterval), nil
	case QueryFixedSizeByBatchID:
		dst = append(dst, queryTypeFixedSize)
		return append(dst, s.BatchID[:]...), nil
	default:
		return nil, errUnexpectedValue("invalid partial batch selector kind %d", s.Kind)
	}
}

func (c *cursor) readPartialBatchSelector() (PartialBatchSelector, error) {
	typ, err := c.readU8()
	if err != nil {
		return PartialBatchSelector{}, err
	}
	switch typ {
	case queryTypeTimeInterval:
		return PartialBatchSelector{Kind: QueryTimeInterval}, nil
	case queryTypeFixedSize:
		id, err := c.readBatchID()
		if err != nil {
			return PartialBatchSelector{}, err
		}
		return PartialBatchSelector{Kind: QueryFixedSizeByBatchID, BatchID: id}, nil
	default:
		return PartialBatchSelector{}, errUnexpectedValue("invalid batch selector type %d", typ)
	}
}

// BatchSelector names a concrete batch in an aggregate-share request.
type BatchSelector struct {
	Kind          QueryKind // QueryTimeInterval or QueryFixedSizeByBatchID
	BatchInterval Interval
	BatchID       BatchID
}

// BatchSelectorFromQuery converts a resolved query into a batch selector.
// A current-batch query must be resolved to a concrete batch ID first.
func BatchSelectorFromQuery(q Query) (BatchSelector, error) {
	switch q.Kind {
	case QueryTimeInterval:
		return BatchSelector{Kind: QueryTimeInterval, BatchInterval: q.BatchInterval}, nil
	case QueryFixedSizeByBatchID:
		return BatchSelector{Kind: QueryFixedSizeByBatchID, BatchID: q.BatchID}, nil
	default:
		return BatchSelector{}, errUnexpectedValue("cannot make a batch selector from a current-batch query")
	}
}

// PartialBatchSelector projects the selector onto its batch identity.
func (s BatchSelector) PartialBatchSelector() PartialBatchSelector {
	return PartialBatchSelector{Kind: s.Kind, BatchID: s.BatchID}
}

func appendBatchSelector(dst []byte, s *BatchSelector) ([]byte, error) {
	switch s.Kind {
	case QueryTimeInterval:
		dst = append(dst, queryTypeTimeInterval)
		return s.BatchInterval.append(dst), nil
	case QueryFixedSizeByBatchID:
		dst = append(dst, queryTypeFixedSize)
		return append(dst, s.BatchID[:]...), nil
	default:
		return nil, errUnexpectedValue("invalid batch selector kind %d", s.Kind)
	}
}

// Encode returns the canonical encoding of the selector. It is version-free.
func (s *BatchSelector) Encode() ([]byte, error) {
	return appendBatchSelector(nil, s)
}

func (c *cursor) readBatchSelector() (BatchSelector, error) {
	typ, err := c.readU8()
	if err != nil {
		return BatchSelector{}, err
	}
	switch typ {
	case queryTypeTimeInterval:
		iv, err := c.readInterval()
		if err != nil {
			return BatchSelector{}, err
		}
		return BatchSelector{Kind: QueryTimeInterval, BatchInterval: iv}, nil
	case queryTypeFixedSize:
		id, err := c.readBatchID()
		if err != nil {
			return BatchSelector{}, err
		}
		return BatchSelector{Kind: QueryFixedSizeByBatchID, BatchID: id}, nil
	default:
		return BatchSelector{}, errUnexpectedValue("invalid batch selector type %d", typ)
	}
}

// TransitionFailure is the closed set of per-report early-rejection classes.
type TransitionFailure uint8

const (
	BatchCollected      TransitionFailure = 0
	ReportReplayed      TransitionFailure = 1
	ReportDropped       TransitionFailure = 2
	HpkeUnknownConfigID TransitionFailure = 3
	HpkeDecryptError    TransitionFailure = 4
	VdafPrepError       TransitionFailure = 5
	BatchSaturated      TransitionFailure = 6
	TaskExpired         TransitionFailure = 7
	UnrecognizedMessage TransitionFailure = 8
	ReportTooEarly      TransitionFailure = 9

	numTransitionFailures = 10
)

func (f TransitionFailure) String() string {
	switch f {
	case BatchCollected:
		return "batch_collected"
	case ReportReplayed:
		return "report_replayed"
	case ReportDropped:
		return "report_dropped"
	case HpkeUnknownConfigID:
		return "hpke_unknown_config_id"
	case HpkeDecryptError:
		return "hpke_decrypt_error"
	case VdafPrepError:
		return "vdaf_prep_error"
	case BatchSaturated:
		return "batch_saturated"
	case TaskExpired:
		return "task_expired"
	case UnrecognizedMessage:
		return "unrecognized_message"
	case ReportTooEarly:
		return "report_too_early"
	default:
		return "invalid"
	}
}

// Transition variant tags.
type TransitionKind uint8

const (
	TransitionContinued TransitionKind = 0
	TransitionFinished  TransitionKind = 1
	TransitionFailed    TransitionKind = 2
)

// TransitionVar is the per-report step outcome within an aggregation round.
type TransitionVar struct {
	Kind    TransitionKind
	Payload []byte            // TransitionContinued
	Failure TransitionFailure // TransitionFailed
}

func Continued(payload []byte) TransitionVar {
	return TransitionVar{Kind: TransitionContinued, Payload: payload}
}

func Finished() TransitionVar {
	return TransitionVar{Kind: TransitionFinished}
}

func Failed(f TransitionFailure) TransitionVar {
	return TransitionVar{Kind: TransitionFailed, Failure: f}
}

// Transition pairs a report with its step outcome.
type Transition struct {
	ReportID ReportID
	Var      TransitionVar
}

func appendTransition(dst []byte, t *Transition) ([]byte, error) {
	dst = append(dst, t.ReportID[:]...)
	switch t.Var.Kind {
	case TransitionContinued:
		dst = append(dst, uint8(TransitionContinued))
		return appendU32Bytes(dst, t.Var.Payload)
	case TransitionFinished:
		return append(dst, uint8(TransitionFinished)), nil
	case TransitionFailed:
		if t.Var.Failure >= numTransitionFailures {
			return nil, errUnexpectedValue("invalid transition failure %d", t.Var.Failure)
		}
		dst = append(dst, uint8(TransitionFailed))
		return append(dst, uint8(t.Var.Failure)), nil
	default:
		return nil, errUnexpectedValue("invalid transition kind %d", t.Var.Kind)
	}
}

func (c *cursor) readTransition() (Transition, error) {
	id, err := c.readReportID()
	if err != nil {
		return Transition{}, err
	}
	kind, err := c.readU8()
	if err != nil {
		return Transition{}, err
	}
	switch TransitionKind(kind) {
	case TransitionContinued:
		payload, err := c.readU32Bytes()
		if err != nil {
			return Transition{}, err
		}
		return Transition{ReportID: id, Var: Continued(payload)}, nil
	case TransitionFinished:
		return Transition{ReportID: id, Var: Finished()}, nil
	case TransitionFailed:
		f, err := c.readU8()
		if err != nil {
			return Transition{}, err
		}
		if f >= numTransitionFailures {
			return Transition{}, errUnexpectedValue("invalid transition failure %d", f)
		}
		return Transition{ReportID: id, Var: Failed(TransitionFailure(f))}, nil
	default:
		return Transition{}, errUnexpectedValue("invalid transition kind %d", kind)
	}
}

func appendTransitionList(dst []byte, ts []Transition) ([]byte, error) {
	var items []byte
	for i := range ts {
		var err error
		items, err = appendTransition(items, &ts[i])
		if err != nil {
			return nil, err
		}
	}
	return appendU32Items(dst, items)
}

func (c *cursor) readTransitionList() ([]Transition, error) {
	n, err := c.readU32()
	if err != nil {
		return nil, err
	}
	sub, err := c.sub(int(n))
	if err != nil {
		return nil, err
	}
	var ts []Transition
	for sub.remaining() > 0 {
		t, err := sub.readTransition()
		if err != nil {
			return nil, err
		}
		ts = append(ts, t)
	}
	return ts, nil
}

// AggregationJobInitReq opens an aggregation job: the Leader hands the Helper
// its report shares together with the batch they belong to.
type AggregationJobInitReq struct {
	Draft02TaskID   *TaskID                  // set iff version is Draft02
	Draft02AggJobID *Draft02AggregationJobID // set iff version is Draft02
	AggParam        []byte
	PartBatchSel    PartialBatchSelector
	ReportShares    []ReportShare
}

func (r *AggregationJobInitReq) Encode(v Version) ([]byte, error) {
	var dst []byte
	var err error
	switch v {
	case Draft02:
		if r.Draft02TaskID == nil || r.Draft02AggJobID == nil {
			return nil, errVersionf(v, "AggregationJobInitReq without task or job ID")
		}
		dst = append(dst, r.Draft02TaskID[:]...)
		dst = append(dst, r.Draft02AggJobID[:]...)
		dst, err = appendU16Bytes(dst, r.AggParam)
	case Draft07:
		dst, err = appendU32Bytes(dst, r.AggParam)
	default:
		return nil, errVersion(v)
	}
	if err != nil {
		return nil, err
	}
	dst, err = appendPartialBatchSelector(dst, &r.PartBatchSel)
	if err != nil {
		return nil, err
	}
	var items []byte
	for i := range r.ReportShares {
		items, err = appendReportShare(items, v, &r.ReportShares[i])
		if err != nil {
			return nil, err
		}
	}
	return appendU32Items(dst, items)
}

func DecodeAggregationJobInitReq(v Version, b []byte) (*AggregationJobInitReq, error) {
	c := newCursor(b)
	var r AggregationJobInitReq
	var err error
	switch v {
	case Draft02:
		taskID, err := c.readTaskID()
		if err != nil {
			return nil, err
		}
		aggJobID, err := c.readDraft02AggregationJobID()
		if err != nil {
			return nil, err
		}
		r.Draft02TaskID = &taskID
		r.Draft02AggJobID = &aggJobID
		r.AggParam, err = c.readU16Bytes()
		if err != nil {
			return nil, err
		}
	case Draft07:
		r.AggParam, err = c.readU32Bytes()
		if err != nil {
			return nil, err
		}
	default:
		return nil, errVersion(v)
	}
	r.PartBatchSel, err = c.readPartialBatchSelector()
	if err != nil {
		return nil, err
	}
	n, err := c.readU32()
	if err != nil {
		return nil, err
	}
	sub, err := c.sub(int(n))
	if err != nil {
		return nil, err
	}
	for sub.remaining() > 0 {
		rs, err := sub.readReportShare(v)
		if err != nil {
			return nil, err
		}
		r.ReportShares = append(r.ReportShares, rs)
	}
	if err := c.finish(); err != nil {
		return nil, err
	}
	return &r, nil
}

// AggregationJobContinueReq carries the Leader's transitions for the single
// continuation round. Draft02 identifies the job in the body; Draft07 carries
// the round number (always 1) instead.
type AggregationJobContinueReq struct {
	Draft02TaskID   *TaskID                  // set iff version is Draft02
	Draft02AggJobID *Draft02AggregationJobID // set iff version is Draft02
	Round           *uint16                  // set iff version is Draft07
	Transitions     []Transition
}

func (r *AggregationJobContinueReq) Encode(v Version) ([]byte, error) {
	var dst []byte
	switch v {
	case Draft02:
		if r.Draft02TaskID == nil || r.Draft02AggJobID == nil {
			return nil, errVersionf(v, "AggregationJobContinueReq without task or job ID")
		}
		if r.Round != nil {
			return nil, errVersionf(v, "round field")
		}
		dst = append(dst, r.Draft02TaskID[:]...)
		dst = append(dst, r.Draft02AggJobID[:]...)
	case Draft07:
		if r.Round == nil {
			return nil, errVersionf(v, "AggregationJobContinueReq without round")
		}
		dst = appendU16(dst, *r.Round)
	default:
		return nil, errVersion(v)
	}
	return appendTransitionList(dst, r.Transitions)
}

func DecodeAggregationJobContinueReq(v Version, b []byte) (*AggregationJobContinueReq, error) {
	c := newCursor(b)
	var r AggregationJobContinueReq
	switch v {
	case Draft02:
		taskID, err := c.readTaskID()
		if err != nil {
			return nil, err
		}
		aggJobID, err := c.readDraft02AggregationJobID()
		if err != nil {
			return nil, err
		}
		r.Draft02TaskID = &taskID
		r.Draft02AggJobID = &aggJobID
	case Draft07:
		round, err := c.readU16()
		if err != nil {
			return nil, err
		}
		r.Round = &round
	default:
		return nil, errVersion(v)
	}
	var err error
	r.Transitions, err = c.readTransitionList()
	if err != nil {
		return nil, err
	}
	if err := c.finish(); err != nil {
		return nil, err
	}
	return &r, nil
}

// AggregationJobResp is the Helper's answer to an init or continue request.
type AggregationJobResp struct {
	Transitions []Transition
}

func (r *AggregationJobResp) Encode() ([]byte, error) {
	return appendTransitionList(nil, r.Transitions)
}

func DecodeAggregationJobResp(b []byte) (*AggregationJobResp, error) {
	c := newCursor(b)
	ts, err := c.readTransitionList()
	if err != nil {
		return nil, err
	}
	if err := c.finish(); err != nil {
		return nil, err
	}
	return &AggregationJobResp{Transitions: ts}, nil
}

// AggregateShareReq asks the Helper for its aggregate share over a batch.
type AggregateShareReq struct {
	Draft02TaskID *TaskID // set iff version is Draft02
	BatchSel      BatchSelector
	AggParam      []byte
	ReportCount   uint64
	Checksum      [32]byte
}

func (r *AggregateShareReq) Encode(v Version) ([]byte, error) {
	var dst []byte
	var err error
	switch v {
	case Draft02:
		if r.Draft02TaskID == nil {
			return nil, errVersionf(v, "AggregateShareReq without task ID")
		}
		dst = append(dst, r.Draft02TaskID[:]...)
		dst, err = appendBatchSelector(dst, &r.BatchSel)
		if err != nil {
			return nil, err
		}
		dst, err = appendU16Bytes(dst, r.AggParam)
	case Draft07:
		dst, err = appendBatchSelector(dst, &r.BatchSel)
		if err != nil {
			return nil, err
		}
		dst, err = appendU32Bytes(dst, r.AggParam)
	default:
		return nil, errVersion(v)
	}
	if err != nil {
		return nil, err
	}
	dst = appendU64(dst, r.ReportCount)
	return append(dst, r.Checksum[:]...), nil
}

func DecodeAggregateShareReq(v Version, b []byte) (*AggregateShareReq, error) {
	c := newCursor(b)
	var r AggregateShareReq
	var err error
	switch v {
	case Draft02:
		taskID, err := c.readTaskID()
		if err != nil {
			return nil, err
		}
		r.Draft02TaskID = &taskID
		r.BatchSel, err = c.readBatchSelector()
		if err != nil {
			return nil, err
		}
		r.AggParam, err = c.readU16Bytes()
		if err != nil {
			return nil, err
		}
	case Draft07:
		r.BatchSel, err = c.readBatchSelector()
		if err != nil {
			return nil, err
		}
		r.AggParam, err = c.readU32Bytes()
		if err != nil {
			return nil, err
		}
	default:
		return nil, errVersion(v)
	}
	r.ReportCount, err = c.readU64()
	if err != nil {
		return nil, err
	}
	sum, err := c.readExact(32)
	if err != nil {
		return nil, errTruncated("checksum")
	}
	copy(r.Checksum[:], sum)
	if err := c.finish(); err != nil {
		return nil, err
	}
	return &r, nil
}

// AggregateShare is the Helper's encrypted aggregate share.
type AggregateShare struct {
	EncryptedAggShare HpkeCiphertext
}

func (r *AggregateShare) Encode() ([]byte, error) {
	return appendHpkeCiphertext(nil, &r.EncryptedAggShare)
}

func DecodeAggregateShare(b []byte) (*AggregateShare, error) {
	c := newCursor(b)
	ct, err := c.readHpkeCiphertext()
	if err != nil {
		return nil, err
	}
	if err := c.finish(); err != nil {
		return nil, err
	}
	return &AggregateShare{EncryptedAggShare: ct}, nil
}

// CollectionReq is the Collector's request for an aggregate result.
type CollectionReq struct {
	Draft02TaskID *TaskID // set iff version is Draft02
	Query         Query
	AggParam      []byte
}

func (r *CollectionReq) Encode(v Version) ([]byte, error) {
	var dst []byte
	switch v {
	case Draft02:
		if r.Draft02TaskID == nil {
			return nil, errVersionf(v, "CollectionReq without task ID")
		}
		dst = append(dst, r.Draft02TaskID[:]...)
	case Draft07:
	default:
		return nil, errVersion(v)
	}
	dst, err := appendQuery(dst, v, &r.Query)
	if err != nil {
		return nil, err
	}
	switch v {
	case Draft02:
		return appendU16Bytes(dst, r.AggParam)
	default:
		return appendU32Bytes(dst, r.AggParam)
	}
}

func DecodeCollectionReq(v Version, b []byte) (*CollectionReq, error) {
	c := newCursor(b)
	var r CollectionReq
	switch v {
	case Draft02:
		taskID, err := c.readTaskID()
		if err != nil {
			return nil, err
		}
		r.Draft02TaskID = &taskID
	case Draft07:
	default:
		return nil, errVersion(v)
	}
	var err error
	r.Query, err = c.readQuery(v)
	if err != nil {
		return nil, err
	}
	switch v {
	case Draft02:
		r.AggParam, err = c.readU16Bytes()
	default:
		r.AggParam, err = c.readU32Bytes()
	}
	if err != nil {
		return nil, err
	}
	if err := c.finish(); err != nil {
		return nil, err
	}
	return &r, nil
}

// Collection is the completed result of a collect job: the pair of encrypted
// aggregate shares plus batch metadata. The interval field exists only for
// Draft07 and later.
type Collection struct {
	PartBatchSel       PartialBatchSelector
	ReportCount        uint64
	Interval           *Interval // set iff version >= Draft07
	EncryptedAggShares []HpkeCiphertext
}

func (r *Collection) Encode(v Version) ([]byte, error) {
	dst, err := appendPartialBatchSelector(nil, &r.PartBatchSel)
	if err != nil {
		return nil, err
	}
	dst = appendU64(dst, r.ReportCount)
	switch v {
	case Draft02:
		if r.Interval != nil {
			return nil, errVersionf(v, "interval field")
		}
	case Draft07:
		if r.Interval == nil {
			return nil, errVersionf(v, "Collection without interval")
		}
		dst = r.Interval.append(dst)
	default:
		return nil, errVersion(v)
	}
	var items []byte
	for i := range r.EncryptedAggShares {
		items, err = appendHpkeCiphertext(items, &r.EncryptedAggShares[i])
		if err != nil {
			return nil, err
		}
	}
	return appendU32Items(dst, items)
}

func DecodeCollection(v Version, b []byte) (*Collection, error) {
	c := newCursor(b)
	var r Collection
	var err error
	r.PartBatchSel, err = c.readPartialBatchSelector()
	if err != nil {
		return nil, err
	}
	r.ReportCount, err = c.readU64()
	if err != nil {
		return nil, err
	}
	switch v {
	case Draft02:
	case Draft07:
		iv, err := c.readInterval()
		if err != nil {
			return nil, err
		}
		r.Interval = &iv
	default:
		return nil, errVersion(v)
	}
	n, err := c.readU32()
	if err != nil {
		return nil, err
	}
	sub, err := c.sub(int(n))
	if err != nil {
		return nil, err
	}
	for sub.remaining() > 0 {
		ct, err := sub.readHpkeCiphertext()
		if err != nil {
			return nil, err
		}
		r.EncryptedAggShares = append(r.EncryptedAggShares, ct)
	}
	if err := c.finish(); err != nil {
		return nil, err
	}
	return &r, nil
}

// PlaintextInputShare is the decrypted payload of an input share for Draft07
// and later: extensions moved here from ReportMetadata.
type PlaintextInputShare struct {
	Extensions []Extension
	Payload    []byte
}

func (p *PlaintextInputShare) Encode() ([]byte, error) {
	dst, err := appendExtensionList(nil, p.Extensions)
	if err != nil {
		return nil, err
	}
	return appendU32Bytes(dst, p.Payload)
}

func DecodePlaintextInputShare(b []byte) (*PlaintextInputShare, error) {
	c := newCursor(b)
	exts, err := c.readExtensionList()
	if err != nil {
		return nil, err
	}
	payload, err := c.readU32Bytes()
	if err != nil {
		return nil, err
	}
	if err := c.finish(); err != nil {
		return nil, err
	}
	return &PlaintextInputShare{Extensions: exts, Payload: payload}, nil
}

// Encode returns the canonical encoding of the selector. It is version-free.
func (s *PartialBatchSelector) Encode() ([]byte, error) {
	return appendPartialBatchSelector(nil, s)
}

// DecodePartialBatchSelector decodes a selector from the front of b and
// reports how many bytes it consumed, for callers embedding it in a larger
// encoding.
func DecodePartialBatchSelector(b []byte) (*PartialBatchSelector, int, error) {
	c := newCursor(b)
	s, err := c.readPartialBatchSelector()
	if err != nil {
		return nil, 0, err
	}
	return &s, c.pos, nil
}
