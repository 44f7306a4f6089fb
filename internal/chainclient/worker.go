package chainclient

import (
	"encoding/json"
	"time"

	"github.com/joinstr/joinstr/internal/backoff"
)

// RequestKind discriminates the variants a consumer can push onto a
// worker's request channel.
type RequestKind int

const (
	ReqSubscribe RequestKind = iota
	ReqHistory
	ReqTxs
	ReqStop
)

// CoinRequest is one unit of work handed to a streaming worker.
type CoinRequest struct {
	Kind    RequestKind
	Scripts []string // Subscribe, History
	Txids   []string // Txs
}

func SubscribeRequest(scripts []string) CoinRequest { return CoinRequest{Kind: ReqSubscribe, Scripts: scripts} }
func HistoryRequest(scripts []string) CoinRequest   { return CoinRequest{Kind: ReqHistory, Scripts: scripts} }
func TxsRequest(txids []string) CoinRequest         { return CoinRequest{Kind: ReqTxs, Txids: txids} }
func StopRequest() CoinRequest                      { return CoinRequest{Kind: ReqStop} }

// StatusUpdate is one scripthash subscription acknowledgement or push.
type StatusUpdate struct {
	Script string
	Status string
}

// HistoryUpdate bundles the history entries retrieved for one script.
type HistoryUpdate struct {
	Script  string
	Entries []HistoryEntry
}

// TxUpdate is one fetched transaction.
type TxUpdate struct {
	Txid string
	Hex  string
}

// CoinResponse is one unit of output a streaming worker emits. Only the
// non-empty groups of a given emission are populated; Stopped is set
// alone in reply to a ReqStop.
type CoinResponse struct {
	Status  []StatusUpdate
	History []HistoryUpdate
	Txs     []TxUpdate
	Errors  []string
	Stopped bool
}

func (r CoinResponse) empty() bool {
	return len(r.Status) == 0 && len(r.History) == 0 && len(r.Txs) == 0 && len(r.Errors) == 0 && !r.Stopped
}

// inFlightItem binds one server-request id back to the script or txid
// it was issued for, and which response group it belongs to.
type inFlightItem struct {
	group  string // "status", "history", "txs"
	key    string // script or txid
	method string
	params interface{}
}

// worker owns a Client exclusively and drives the batch-and-retry loop
// described for the streaming API: at most one CoinRequest in flight at
// a time, retried sends, partial-response resends, and idle snoozing.
type worker struct {
	client *Client
	in     <-chan CoinRequest
	back   *backoff.Backoff

	inFlight    map[int64]inFlightItem
	inFlightReq []int64 // ids belonging to the current batch, in send order

	abandoned bool // set by emit once the consumer has stopped reading
}

// Listen spawns a worker goroutine owning client and returns the
// consumer-facing request/response channel pair. The worker exits when
// in is closed, a ReqStop is received, or out is abandoned.
func Listen(client *Client) (chan<- CoinRequest, <-chan CoinResponse) {
	in := make(chan CoinRequest, 16)
	out := make(chan CoinResponse, 16)

	w := &worker{
		client:   client,
		in:       in,
		back:     backoff.NewMillis(50),
		inFlight: make(map[int64]inFlightItem),
	}
	go w.run(out)
	return in, out
}

func (w *worker) run(out chan<- CoinResponse) {
	defer close(out)

	for {
		didWork := false

		if len(w.inFlight) == 0 {
			req, ok := w.drainOneRequest()
			if ok {
				if req.Kind == ReqStop {
					w.emit(out, CoinResponse{Stopped: true})
					return
				}
				w.sendBatch(out, req)
				didWork = true
			}
		}

		if len(w.inFlight) > 0 {
			didWork = w.receiveBatch(out) || didWork
		}

		if w.abandoned {
			return
		}

		if !didWork {
			w.back.Snooze()
		} else {
			w.back.Reset()
		}
	}
}

// drainOneRequest is non-blocking: it takes at most one pending
// CoinRequest, or reports none available. A closed input channel is
// treated as an implicit Stop.
func (w *worker) drainOneRequest() (CoinRequest, bool) {
	select {
	case req, ok := <-w.in:
		if !ok {
			return StopRequest(), true
		}
		return req, true
	default:
		return CoinRequest{}, false
	}
}

func (w *worker) sendBatch(out chan<- CoinResponse, req CoinRequest) {
	items := expandRequest(req)
	ids := make([]int64, 0, len(items))
	var errs []string

	for _, item := range items {
		id := w.client.nextRequestID()
		if !w.sendWithRetry(id, item) {
			errs = append(errs, "send failed for "+item.key+" after 10 retries")
			continue
		}
		w.inFlight[id] = item
		ids = append(ids, id)
	}
	w.inFlightReq = ids

	if len(errs) > 0 {
		w.emit(out, CoinResponse{Errors: errs})
	}
}

// sendWithRetry attempts to write the request line up to 10 times with
// 50ms sleeps between failures.
func (w *worker) sendWithRetry(id int64, item inFlightItem) bool {
	raw, err := json.Marshal(item.params)
	if err != nil {
		return false
	}
	req := request{ID: id, Method: item.method, Params: raw}

	for attempt := 0; attempt < 10; attempt++ {
		if err := w.client.writeLine(req); err == nil {
			return true
		}
		time.Sleep(50 * time.Millisecond)
	}
	return false
}

// resendInFlight re-sends every still-unanswered request of the current
// batch under its existing ids, used after a partial-response match.
func (w *worker) resendInFlight() {
	for _, id := range w.inFlightReq {
		item, ok := w.inFlight[id]
		if !ok {
			continue
		}
		raw, err := json.Marshal(item.params)
		if err != nil {
			continue
		}
		_ = w.client.writeLine(request{ID: id, Method: item.method, Params: raw})
	}
}

// receiveBatch drains whatever responses are immediately available on
// the client's raw channel, classifies them, and either clears the
// in-flight marker (full match) or schedules a resend (partial match).
// Reports whether it produced any output.
func (w *worker) receiveBatch(out chan<- CoinResponse) bool {
	got := make(map[int64]response)
drain:
	for {
		select {
		case resp, ok := <-w.client.raw:
			if !ok {
				w.emit(out, CoinResponse{Errors: []string{"chain connection closed"}})
				w.inFlight = make(map[int64]inFlightItem)
				w.inFlightReq = nil
				return true
			}
			got[resp.ID] = resp
		default:
			break drain
		}
	}

	if len(got) == 0 {
		return false
	}

	resp := CoinResponse{}
	for _, id := range w.inFlightReq {
		r, ok := got[id]
		if !ok {
			continue
		}
		item := w.inFlight[id]
		classifyInto(&resp, item, r)
		delete(w.inFlight, id)
	}

	fullMatch := len(w.inFlight) == 0

	if !fullMatch {
		time.Sleep(100 * time.Millisecond)
		w.resendInFlight()
	} else {
		w.inFlightReq = nil
	}

	if !resp.empty() {
		w.emit(out, resp)
	}
	return true
}

func classifyInto(resp *CoinResponse, item inFlightItem, r response) {
	if r.Error != nil {
		resp.Errors = append(resp.Errors, item.key+": "+r.Error.Message)
		return
	}
	switch item.group {
	case "status":
		var status string
		_ = json.Unmarshal(r.Result, &status)
		resp.Status = append(resp.Status, StatusUpdate{Script: item.key, Status: status})
	case "history":
		var entries []HistoryEntry
		if err := json.Unmarshal(r.Result, &entries); err != nil {
			resp.Errors = append(resp.Errors, item.key+": "+err.Error())
			return
		}
		resp.History = append(resp.History, HistoryUpdate{Script: item.key, Entries: entries})
	case "txs":
		var hexTx string
		if err := json.Unmarshal(r.Result, &hexTx); err != nil {
			resp.Errors = append(resp.Errors, item.key+": "+err.Error())
			return
		}
		resp.Txs = append(resp.Txs, TxUpdate{Txid: item.key, Hex: hexTx})
	}
}

func expandRequest(req CoinRequest) []inFlightItem {
	switch req.Kind {
	case ReqSubscribe:
		items := make([]inFlightItem, len(req.Scripts))
		for i, s := range req.Scripts {
			items[i] = inFlightItem{group: "status", key: s, method: methodSubscribe, params: []string{s}}
		}
		return items
	case ReqHistory:
		items := make([]inFlightItem, len(req.Scripts))
		for i, s := range req.Scripts {
			items[i] = inFlightItem{group: "history", key: s, method: methodHistory, params: []string{s}}
		}
		return items
	case ReqTxs:
		items := make([]inFlightItem, len(req.Txids))
		for i, t := range req.Txids {
			items[i] = inFlightItem{group: "txs", key: t, method: methodGetTx, params: []string{t}}
		}
		return items
	default:
		return nil
	}
}

// emit delivers resp to the consumer. If the consumer has stopped reading
// (no room in out for a second), it reports false and marks the worker
// abandoned, which makes run exit.
func (w *worker) emit(out chan<- CoinResponse, resp CoinResponse) bool {
	select {
	case out <- resp:
		return true
	default:
		select {
		case out <- resp:
			return true
		case <-time.After(time.Second):
			w.abandoned = true
			return false
		}
	}
}
