package http

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/vmci-host/fabric/internal/observability"
	"github.com/vmci-host/fabric/internal/vmci/datagram"
	"github.com/vmci-host/fabric/internal/vmci/fabric"
	"github.com/vmci-host/fabric/internal/vmci/handle"
	"github.com/vmci-host/fabric/internal/vmci/privilege"
	"github.com/vmci-host/fabric/internal/vmci/queuepair"
	"github.com/vmci-host/fabric/internal/vmci/vmcierr"
	"github.com/vmci-host/fabric/internal/vmci/vmcontext"
	"github.com/vmci-host/fabric/internal/vmci/wire"
)

type handler struct {
	fabric *fabric.Fabric
}

type statusResponse struct {
	Status  int32  `json:"status"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeStatus(w http.ResponseWriter, op string, status vmcierr.Status) {
	code := http.StatusOK
	if status < vmcierr.OK {
		code = httpCodeFor(status)
	}
	writeJSON(w, code, statusResponse{Status: int32(status), Message: status.String()})
}

func httpCodeFor(status vmcierr.Status) int {
	switch status {
	case vmcierr.InvalidArgs, vmcierr.InvalidPriv, vmcierr.InvalidResource:
		return http.StatusBadRequest
	case vmcierr.NoAccess:
		return http.StatusForbidden
	case vmcierr.NotFound, vmcierr.DstUnreachable:
		return http.StatusNotFound
	case vmcierr.AlreadyExists, vmcierr.DuplicateEntry, vmcierr.QueuePairMismatch:
		return http.StatusConflict
	case vmcierr.NoMem, vmcierr.NoResources:
		return http.StatusInsufficientStorage
	case vmcierr.NoMoreDatagrams:
		return http.StatusNoContent
	default:
		return http.StatusInternalServerError
	}
}

func parseUint32(s string) (uint32, bool) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(v), true
}

func handleFromParams(r *http.Request, ctxKey, resKey string) (handle.Handle, bool) {
	ctx, ok1 := parseUint32(chi.URLParam(r, ctxKey))
	res, ok2 := parseUint32(chi.URLParam(r, resKey))
	if !ok1 || !ok2 {
		return handle.Handle{}, false
	}
	return handle.New(ctx, res), true
}

// --- context registry (spec §6.4 init_context / release_context / context_get_priv_flags) ---

type initContextRequest struct {
	CID         uint32 `json:"cid"`
	PrivFlags   uint32 `json:"priv_flags"`
	UserVersion uint32 `json:"user_version"`
}

type initContextResponse struct {
	CID uint32 `json:"cid"`
}

func (h *handler) initContext(w http.ResponseWriter, r *http.Request) {
	var req initContextRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeStatus(w, "init_context", vmcierr.InvalidArgs)
		return
	}
	c, status := h.fabric.Contexts.InitContext(req.CID, privilege.Flags(req.PrivFlags), req.UserVersion)
	if status != vmcierr.OK {
		writeStatus(w, "init_context", status)
		return
	}
	observability.ContextsActive.Inc()
	writeJSON(w, http.StatusCreated, initContextResponse{CID: c.CID()})
}

func (h *handler) releaseContext(w http.ResponseWriter, r *http.Request) {
	cid, ok := parseUint32(chi.URLParam(r, "cid"))
	if !ok {
		writeStatus(w, "release_context", vmcierr.InvalidArgs)
		return
	}
	c, status := h.fabric.Contexts.Get(cid)
	if status != vmcierr.OK {
		writeStatus(w, "release_context", status)
		return
	}
	status = h.fabric.Contexts.ReleaseContext(c)
	observability.ContextsActive.Dec()
	writeStatus(w, "release_context", status)
}

type privFlagsResponse struct {
	PrivFlags uint32 `json:"priv_flags"`
}

func (h *handler) contextPrivFlags(w http.ResponseWriter, r *http.Request) {
	cid, ok := parseUint32(chi.URLParam(r, "cid"))
	if !ok {
		writeStatus(w, "context_get_priv_flags", vmcierr.InvalidArgs)
		return
	}
	c, status := h.fabric.Contexts.Get(cid)
	if status != vmcierr.OK {
		writeStatus(w, "context_get_priv_flags", status)
		return
	}
	defer h.fabric.Contexts.Release(c)
	writeJSON(w, http.StatusOK, privFlagsResponse{PrivFlags: uint32(c.PrivFlags())})
}

// --- datagram queue (spec §6.4 enqueue_datagram / dequeue_datagram) ---

type datagramWire struct {
	Src     [2]uint32 `json:"src"`
	Dst     [2]uint32 `json:"dst"`
	Payload []byte    `json:"payload"`
}

func (d datagramWire) toWire() wire.Datagram {
	return wire.Datagram{
		Src:     handle.New(d.Src[0], d.Src[1]),
		Dst:     handle.New(d.Dst[0], d.Dst[1]),
		Payload: d.Payload,
	}
}

func fromWire(dg wire.Datagram) datagramWire {
	return datagramWire{
		Src:     [2]uint32{dg.Src.Context, dg.Src.Resource},
		Dst:     [2]uint32{dg.Dst.Context, dg.Dst.Resource},
		Payload: dg.Payload,
	}
}

func (h *handler) enqueueDatagram(w http.ResponseWriter, r *http.Request) {
	cid, ok := parseUint32(chi.URLParam(r, "cid"))
	if !ok {
		writeStatus(w, "enqueue_datagram", vmcierr.InvalidArgs)
		return
	}
	var dg datagramWire
	if err := json.NewDecoder(r.Body).Decode(&dg); err != nil {
		writeStatus(w, "enqueue_datagram", vmcierr.InvalidArgs)
		return
	}
	size, status := h.fabric.Contexts.EnqueueDatagram(cid, dg.toWire())
	if status != vmcierr.OK {
		writeStatus(w, "enqueue_datagram", status)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"bytes": size})
}

func (h *handler) dequeueDatagram(w http.ResponseWriter, r *http.Request) {
	cid, ok := parseUint32(chi.URLParam(r, "cid"))
	if !ok {
		writeStatus(w, "dequeue_datagram", vmcierr.InvalidArgs)
		return
	}
	maxSize := wire.MaxDgSize
	if v := r.URL.Query().Get("max_size"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			maxSize = parsed
		}
	}

	c, status := h.fabric.Contexts.Get(cid)
	if status != vmcierr.OK {
		writeStatus(w, "dequeue_datagram", status)
		return
	}
	defer h.fabric.Contexts.Release(c)

	dg, next, status := h.fabric.Contexts.DequeueDatagram(c, &maxSize)
	switch status {
	case vmcierr.OK:
		writeJSON(w, http.StatusOK, map[string]any{"datagram": fromWire(dg), "next_size": next})
	case vmcierr.NoMem:
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]any{"required_size": maxSize})
	default:
		writeStatus(w, "dequeue_datagram", status)
	}
}

// --- datagram endpoints (spec §6.4 datagram_create/destroy/dispatch) ---

type datagramCreateRequest struct {
	ResourceID uint32 `json:"resource_id"`
	Auto       bool   `json:"auto"`
	Flags      uint32 `json:"flags"`
	PrivFlags  uint32 `json:"priv_flags"`
}

func (h *handler) datagramCreate(w http.ResponseWriter, r *http.Request) {
	var req datagramCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeStatus(w, "datagram_create", vmcierr.InvalidArgs)
		return
	}
	// The control surface has no local process to invoke recv_cb in, so
	// endpoints created through HTTP are drained via dequeue_datagram
	// instead; datagram_create here always binds a nil callback.
	hdl, status := h.fabric.Datagrams.CreateHandle(req.ResourceID, req.Auto, datagram.Flags(req.Flags), privilege.Flags(req.PrivFlags), nil)
	if status != vmcierr.OK {
		writeStatus(w, "datagram_create", status)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"context": hdl.Context, "resource": hdl.Resource})
}

func (h *handler) datagramDestroy(w http.ResponseWriter, r *http.Request) {
	hdl, ok := handleFromParams(r, "context", "resource")
	if !ok {
		writeStatus(w, "datagram_destroy", vmcierr.InvalidArgs)
		return
	}
	writeStatus(w, "datagram_destroy", h.fabric.Datagrams.Destroy(hdl))
}

type datagramDispatchRequest struct {
	SenderCID uint32       `json:"sender_cid"`
	Datagram  datagramWire `json:"datagram"`
}

func (h *handler) datagramDispatch(w http.ResponseWriter, r *http.Request) {
	var req datagramDispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeStatus(w, "datagram_dispatch", vmcierr.InvalidArgs)
		return
	}
	size, status := h.fabric.Datagrams.Dispatch(req.SenderCID, req.Datagram.toWire())
	if status != vmcierr.OK {
		writeStatus(w, "datagram_dispatch", status)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"bytes": size})
}

// --- queue pairs (spec §6.4 queue_pair_alloc/set_page_store/detach) ---

type queuePairAllocRequest struct {
	CallerCtx    uint32  `json:"caller_ctx"`
	PeerCID      uint32  `json:"peer_cid"`
	Flags        uint32  `json:"flags"`
	PrivFlags    uint32  `json:"priv_flags"`
	ProduceSize  uint64  `json:"produce_size"`
	ConsumeSize  uint64  `json:"consume_size"`
	ProducerName *string `json:"producer_name,omitempty"`
	ConsumerName *string `json:"consumer_name,omitempty"`
}

func (h *handler) queuePairAlloc(w http.ResponseWriter, r *http.Request) {
	hdl, ok := handleFromParams(r, "context", "resource")
	if !ok {
		writeStatus(w, "queue_pair_alloc", vmcierr.InvalidArgs)
		return
	}
	var req queuePairAllocRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeStatus(w, "queue_pair_alloc", vmcierr.InvalidArgs)
		return
	}
	var ps *queuepair.PageStore
	if req.ProducerName != nil && req.ConsumerName != nil {
		ps = &queuepair.PageStore{ProducerName: *req.ProducerName, ConsumerName: *req.ConsumerName}
	}
	status := h.fabric.QueuePairs.Alloc(hdl, req.CallerCtx, req.PeerCID, queuepair.Flags(req.Flags),
		privilege.Flags(req.PrivFlags), req.ProduceSize, req.ConsumeSize, ps)
	observability.QueuePairOperationsTotal.WithLabelValues("alloc", status.String()).Inc()
	writeStatus(w, "queue_pair_alloc", status)
}

type pageStoreRequest struct {
	Caller       uint32 `json:"caller"`
	ProducerName string `json:"producer_name"`
	ConsumerName string `json:"consumer_name"`
}

func (h *handler) queuePairSetPageStore(w http.ResponseWriter, r *http.Request) {
	hdl, ok := handleFromParams(r, "context", "resource")
	if !ok {
		writeStatus(w, "queue_pair_set_page_store", vmcierr.InvalidArgs)
		return
	}
	var req pageStoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeStatus(w, "queue_pair_set_page_store", vmcierr.InvalidArgs)
		return
	}
	status := h.fabric.QueuePairs.SetPageStore(hdl, queuepair.PageStore{
		ProducerName: req.ProducerName,
		ConsumerName: req.ConsumerName,
	}, req.Caller)
	writeStatus(w, "queue_pair_set_page_store", status)
}

type queuePairDetachRequest struct {
	Caller uint32 `json:"caller"`
	Commit bool   `json:"commit"`
}

func (h *handler) queuePairDetach(w http.ResponseWriter, r *http.Request) {
	hdl, ok := handleFromParams(r, "context", "resource")
	if !ok {
		writeStatus(w, "queue_pair_detach", vmcierr.InvalidArgs)
		return
	}
	var req queuePairDetachRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeStatus(w, "queue_pair_detach", vmcierr.InvalidArgs)
		return
	}
	status := h.fabric.QueuePairs.Detach(hdl, req.Caller, req.Commit)
	observability.QueuePairOperationsTotal.WithLabelValues("detach", status.String()).Inc()
	writeStatus(w, "queue_pair_detach", status)
}

// --- discovery (spec §6.4 discovery_register/unregister/lookup) ---

type discoveryRegisterRequest struct {
	Name    string `json:"name"`
	Context uint32 `json:"context"`
	Resource uint32 `json:"resource"`
	Owner   uint32 `json:"owner"`
}

func (h *handler) discoveryRegister(w http.ResponseWriter, r *http.Request) {
	var req discoveryRegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeStatus(w, "discovery_register", vmcierr.InvalidArgs)
		return
	}
	status := h.fabric.Discovery.Register(req.Name, handle.New(req.Context, req.Resource), req.Owner)
	writeStatus(w, "discovery_register", status)
}

type discoveryUnregisterRequest struct {
	Name    string `json:"name"`
	Context uint32 `json:"context"`
}

func (h *handler) discoveryUnregister(w http.ResponseWriter, r *http.Request) {
	var req discoveryUnregisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeStatus(w, "discovery_unregister", vmcierr.InvalidArgs)
		return
	}
	status := h.fabric.Discovery.Unregister(req.Name, req.Context)
	writeStatus(w, "discovery_unregister", status)
}

func (h *handler) discoveryLookup(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		writeStatus(w, "discovery_lookup", vmcierr.InvalidArgs)
		return
	}
	hdl, status := h.fabric.Discovery.Lookup(name)
	if status != vmcierr.OK {
		writeStatus(w, "discovery_lookup", status)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint32{"context": hdl.Context, "resource": hdl.Resource})
}

// --- notifications (spec §6.4 add_notification / remove_notification) ---

type notificationRequest struct {
	RemoteCID uint32 `json:"remote_cid"`
}

func (h *handler) addNotification(w http.ResponseWriter, r *http.Request) {
	cid, ok := parseUint32(chi.URLParam(r, "cid"))
	if !ok {
		writeStatus(w, "add_notification", vmcierr.InvalidArgs)
		return
	}
	var req notificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeStatus(w, "add_notification", vmcierr.InvalidArgs)
		return
	}
	c, status := h.fabric.Contexts.Get(cid)
	if status != vmcierr.OK {
		writeStatus(w, "add_notification", status)
		return
	}
	defer h.fabric.Contexts.Release(c)
	writeStatus(w, "add_notification", h.fabric.Contexts.AddNotification(c, req.RemoteCID))
}

func (h *handler) removeNotification(w http.ResponseWriter, r *http.Request) {
	cid, ok := parseUint32(chi.URLParam(r, "cid"))
	remoteCID, ok2 := parseUint32(chi.URLParam(r, "remote_cid"))
	if !ok || !ok2 {
		writeStatus(w, "remove_notification", vmcierr.InvalidArgs)
		return
	}
	c, status := h.fabric.Contexts.Get(cid)
	if status != vmcierr.OK {
		writeStatus(w, "remove_notification", status)
		return
	}
	defer h.fabric.Contexts.Release(c)
	writeStatus(w, "remove_notification", h.fabric.Contexts.RemoveNotification(c, remoteCID))
}

// --- checkpoint (spec §6.4 get_/set_checkpoint_state) ---

func checkpointKindFromParam(s string) (vmcontext.CheckpointKind, bool) {
	switch s {
	case "notifier":
		return vmcontext.CheckpointNotifier, true
	case "well-known":
		return vmcontext.CheckpointWellKnown, true
	default:
		return 0, false
	}
}

func (h *handler) getCheckpointState(w http.ResponseWriter, r *http.Request) {
	cid, ok := parseUint32(chi.URLParam(r, "cid"))
	kind, kindOK := checkpointKindFromParam(chi.URLParam(r, "kind"))
	if !ok || !kindOK {
		writeStatus(w, "get_checkpoint_state", vmcierr.InvalidArgs)
		return
	}
	c, status := h.fabric.Contexts.Get(cid)
	if status != vmcierr.OK {
		writeStatus(w, "get_checkpoint_state", status)
		return
	}
	defer h.fabric.Contexts.Release(c)
	writeJSON(w, http.StatusOK, map[string]any{"ids": h.fabric.Contexts.GetCheckpointState(c, kind)})
}

type setCheckpointRequest struct {
	IDs []uint32 `json:"ids"`
}

func (h *handler) setCheckpointState(w http.ResponseWriter, r *http.Request) {
	cid, ok := parseUint32(chi.URLParam(r, "cid"))
	kind, kindOK := checkpointKindFromParam(chi.URLParam(r, "kind"))
	if !ok || !kindOK {
		writeStatus(w, "set_checkpoint_state", vmcierr.InvalidArgs)
		return
	}
	var req setCheckpointRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeStatus(w, "set_checkpoint_state", vmcierr.InvalidArgs)
		return
	}
	c, status := h.fabric.Contexts.Get(cid)
	if status != vmcierr.OK {
		writeStatus(w, "set_checkpoint_state", status)
		return
	}
	defer h.fabric.Contexts.Release(c)
	writeStatus(w, "set_checkpoint_state", h.fabric.Contexts.SetCheckpointState(c, kind, req.IDs))
}

// --- groups (spec §4.G, exposed alongside the §6.4 table) ---

type groupCreateRequest struct {
	OwnerContext  uint32 `json:"owner_context"`
	OwnerResource uint32 `json:"owner_resource"`
}

func (h *handler) groupCreate(w http.ResponseWriter, r *http.Request) {
	hdl, ok := handleFromParams(r, "context", "resource")
	if !ok {
		writeStatus(w, "group_create", vmcierr.InvalidArgs)
		return
	}
	var req groupCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeStatus(w, "group_create", vmcierr.InvalidArgs)
		return
	}
	owner := handle.New(req.OwnerContext, req.OwnerResource)
	writeStatus(w, "group_create", h.fabric.Groups.Create(hdl, owner))
}

type groupMemberRequest struct {
	MemberContext  uint32 `json:"member_context"`
	MemberResource uint32 `json:"member_resource"`
	CanAssign      bool   `json:"can_assign"`
}

func (h *handler) groupAddMember(w http.ResponseWriter, r *http.Request) {
	hdl, ok := handleFromParams(r, "context", "resource")
	if !ok {
		writeStatus(w, "group_add_member", vmcierr.InvalidArgs)
		return
	}
	var req groupMemberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeStatus(w, "group_add_member", vmcierr.InvalidArgs)
		return
	}
	member := handle.New(req.MemberContext, req.MemberResource)
	writeStatus(w, "group_add_member", h.fabric.Groups.AddMember(hdl, member, req.CanAssign))
}

func (h *handler) groupRemoveMember(w http.ResponseWriter, r *http.Request) {
	hdl, ok := handleFromParams(r, "context", "resource")
	if !ok {
		writeStatus(w, "group_remove_member", vmcierr.InvalidArgs)
		return
	}
	var req groupMemberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeStatus(w, "group_remove_member", vmcierr.InvalidArgs)
		return
	}
	member := handle.New(req.MemberContext, req.MemberResource)
	writeStatus(w, "group_remove_member", h.fabric.Groups.RemoveMember(hdl, member))
}
