package server

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"

	"votara/services/coordinator/apperr"
	"votara/services/coordinator/auth"
	"votara/services/coordinator/models"
	"votara/services/coordinator/store"
)

type createPollRequest struct {
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Options     []models.Option `json:"options"`
	StartTime   time.Time       `json:"startTime"`
	EndTime     time.Time       `json:"endTime"`
}

type pollResponse struct {
	ID               string          `json:"pollId"`
	CreatorAddress   string          `json:"creatorAddress"`
	Title            string          `json:"title"`
	Description      string          `json:"description"`
	Options          []models.Option `json:"options"`
	StartTime        time.Time       `json:"startTime"`
	EndTime          time.Time       `json:"endTime"`
	Status           string          `json:"status"`
	GroupID          string          `json:"groupId"`
	ActivationTxHash string          `json:"activationTxHash,omitempty"`
	VoteCount        int64           `json:"voteCount"`
	ChainGroupID     string          `json:"chainGroupId,omitempty"`
}

func toPollResponse(r store.ListResult) pollResponse {
	var options []models.Option
	_ = json.Unmarshal(r.Poll.OptionsJSON, &options)
	status := r.EffectiveStatus
	if status == "" {
		status = r.Poll.Status
	}
	return pollResponse{
		ID:               r.Poll.ID,
		CreatorAddress:   r.Poll.CreatorAddress,
		Title:            r.Poll.Title,
		Description:      r.Poll.Description,
		Options:          options,
		StartTime:        r.Poll.StartTime,
		EndTime:          r.Poll.EndTime,
		Status:           string(status),
		GroupID:          r.Poll.GroupID,
		ActivationTxHash: r.Poll.ActivationTxHash,
		VoteCount:        r.VoteCount,
	}
}

// handleCreatePoll implements POST /polls (§6.6: API-first draft creation).
func (s *Server) handleCreatePoll(w http.ResponseWriter, r *http.Request) {
	creator, ok := auth.FromContext(r.Context())
	if !ok {
		s.writeError(w, apperr.New(apperr.Unauthorized, "missing identity"))
		return
	}

	var req createPollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, invalidJSON(err))
		return
	}

	pollID, err := newPollID()
	if err != nil {
		s.writeError(w, apperr.Wrap(apperr.Internal, "generate poll id", err))
		return
	}
	poll, err := s.store.InsertDraftPoll(r.Context(), pollID, creator, req.Title, req.Description, req.Options, req.StartTime, req.EndTime)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusCreated, toPollResponse(store.ListResult{Poll: *poll, VoteCount: 0}))
}

// handleListPolls implements GET /polls?page&limit&status&creator.
func (s *Server) handleListPolls(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.ListFilter{
		Page:  atoiDefault(q.Get("page"), 1),
		Limit: atoiDefault(q.Get("limit"), 0),
	}
	if v := q.Get("status"); v != "" {
		status := models.PollStatus(v)
		filter.Status = &status
	}
	if v := q.Get("creator"); v != "" {
		filter.Creator = &v
	}

	results, err := s.store.ListPolls(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]pollResponse, len(results))
	for i, res := range results {
		out[i] = toPollResponse(res)
	}
	limit := filter.Limit
	if limit <= 0 || limit > 50 {
		limit = 50
	}
	s.writeJSONPage(w, http.StatusOK, out, map[string]any{
		"page":  filter.Page,
		"limit": limit,
		"count": len(out),
	})
}

// handleGetPoll implements GET /polls/{id}. For polls the Metadata Store
// already believes are ACTIVE, it reconciles against the Voting contract's
// own registry (§6: pollExists/groupId) as a non-fatal cross-check; a chain
// read error never fails the request, since the store is authoritative for
// API responses (§8).
func (s *Server) handleGetPoll(w http.ResponseWriter, r *http.Request) {
	pollID := chi.URLParam(r, "id")
	result, err := s.store.GetPoll(r.Context(), pollID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	resp := toPollResponse(*result)
	if result.Poll.Status == models.PollStatusActive {
		if pollIDBytes, err := pollIDTo32Bytes(pollID); err == nil {
			if exists, err := s.chain.PollExistsOnChain(r.Context(), pollIDBytes); err == nil && exists {
				if groupID, err := s.chain.GroupID(r.Context(), pollIDBytes); err == nil {
					resp.ChainGroupID = groupID.String()
				}
			}
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

type updatePollRequest struct {
	Title       *string `json:"title"`
	Description *string `json:"description"`
}

// handleUpdatePoll implements PUT /polls/{id} (auth, creator-only, DRAFT-only).
func (s *Server) handleUpdatePoll(w http.ResponseWriter, r *http.Request) {
	actor, ok := auth.FromContext(r.Context())
	if !ok {
		s.writeError(w, apperr.New(apperr.Unauthorized, "missing identity"))
		return
	}
	pollID := chi.URLParam(r, "id")

	var req updatePollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, invalidJSON(err))
		return
	}

	poll, err := s.store.UpdateMetadata(r.Context(), pollID, actor, req.Title, req.Description)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toPollResponse(store.ListResult{Poll: *poll}))
}

type createGroupRequest struct {
	EligibleAddresses []string `json:"eligibleAddresses"`
}

// handleCreateGroup implements POST /polls/{id}/create-group (auth,
// creator-only), in spec.md §4.6's mandated order: load the poll and
// require DRAFT with an empty roster, project addresses to commitments,
// submit createGroup then addMembers on the membership contract, and only
// on their success persist the roster via SetRoster. This does NOT
// activate the poll; the creator separately calls the Voting contract
// directly and the Tail applies PollActivated once observed. If either
// chain call fails, the poll stays DRAFT with its roster unset (I5), so a
// retry is safe (S6) — SetRoster never runs against a group that was never
// actually created and populated on-chain.
func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	actor, ok := auth.FromContext(r.Context())
	if !ok {
		s.writeError(w, apperr.New(apperr.Unauthorized, "missing identity"))
		return
	}
	pollID := chi.URLParam(r, "id")

	poll, err := s.store.GetPoll(r.Context(), pollID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if poll.Poll.CreatorAddress != actor {
		s.writeError(w, apperr.New(apperr.Forbidden, "only the poll creator may create its group"))
		return
	}
	if poll.Poll.Status != models.PollStatusDraft {
		s.writeError(w, apperr.Conflictf("poll %s is not DRAFT", pollID))
		return
	}
	if len(poll.Poll.MembershipRoster) > 2 && string(poll.Poll.MembershipRoster) != "[]" {
		s.writeError(w, apperr.Conflictf("roster already set for poll %s", pollID))
		return
	}

	var req createGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, invalidJSON(err))
		return
	}
	if len(req.EligibleAddresses) == 0 {
		s.writeError(w, apperr.Validationf("eligibleAddresses must be non-empty"))
		return
	}

	addrs := make([]common.Address, len(req.EligibleAddresses))
	for i, a := range req.EligibleAddresses {
		if !common.IsHexAddress(a) {
			s.writeError(w, apperr.Validationf("invalid address %q", a))
			return
		}
		addrs[i] = common.HexToAddress(a)
	}

	groupID, txHash, err := s.chain.CreateGroup(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	groupIDBig, _ := new(big.Int).SetString(groupID, 10)

	fieldElements := s.projector.FieldElementsForRoster(addrs)
	members := make([][32]byte, len(fieldElements))
	for i, fe := range fieldElements {
		members[i] = bigIntTo32Bytes(fe)
	}
	if _, err := s.chain.AddMembers(r.Context(), groupIDBig, members); err != nil {
		s.writeError(w, err)
		return
	}

	commitments := s.projector.CommitmentsForRoster(addrs)
	if err := s.store.SetRoster(r.Context(), pollID, commitments); err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"groupId": groupID,
		"txHash":  txHash,
		"count":   len(members),
	})
}

// handleResults implements GET /polls/{id}/results. The Metadata Store's
// aggregation is authoritative for the response; the poll's per-option
// tally is also read back from the Voting contract as a non-fatal
// cross-check (§8: "eventual consistency between off-chain aggregates and
// on-chain ground truth") and attached alongside whenever that read succeeds.
func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	pollID := chi.URLParam(r, "id")
	options, counts, total, err := s.store.Results(r.Context(), pollID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	type resultEntry struct {
		Option models.Option `json:"option"`
		Count  int64         `json:"count"`
	}
	entries := make([]resultEntry, len(options))
	for i, opt := range options {
		entries[i] = resultEntry{Option: opt, Count: counts[i]}
	}
	resp := map[string]any{
		"pollId":     pollID,
		"results":    entries,
		"totalVotes": total,
	}
	if pollIDBytes, err := pollIDTo32Bytes(pollID); err == nil {
		if chainCounts, err := s.chain.Results(r.Context(), pollIDBytes, len(options)); err == nil {
			resp["chainResults"] = chainCounts
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleGroupMembers implements GET /polls/{id}/group-members. When the
// poll has an on-chain group bound, it also surfaces the registry's current
// Merkle tree shape (§6: getMerkleTreeRoot/Depth/Size) as a cross-check
// clients can compare against their own locally-built tree.
func (s *Server) handleGroupMembers(w http.ResponseWriter, r *http.Request) {
	pollID := chi.URLParam(r, "id")
	result, err := s.store.GetPoll(r.Context(), pollID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var roster []string
	_ = json.Unmarshal(result.Poll.MembershipRoster, &roster)

	resp := map[string]any{"pollId": pollID, "members": roster}
	if groupID, ok := new(big.Int).SetString(result.Poll.GroupID, 10); ok && groupID.Sign() > 0 {
		if root, err := s.chain.MerkleTreeRoot(r.Context(), groupID); err == nil {
			resp["merkleRoot"] = root.String()
		}
		if depth, err := s.chain.MerkleTreeDepth(r.Context(), groupID); err == nil {
			resp["merkleDepth"] = depth.String()
		}
		if size, err := s.chain.MerkleTreeSize(r.Context(), groupID); err == nil {
			resp["merkleSize"] = size.String()
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleExport implements GET /polls/{id}/export (creator-only, §4.1).
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	actor, ok := auth.FromContext(r.Context())
	if !ok {
		s.writeError(w, apperr.New(apperr.Unauthorized, "missing identity"))
		return
	}
	pollID := chi.URLParam(r, "id")

	poll, err := s.store.GetPoll(r.Context(), pollID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if poll.Poll.CreatorAddress != actor {
		s.writeError(w, apperr.New(apperr.Forbidden, "only the poll creator may export its votes"))
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", "attachment; filename=\""+pollID+"-votes.csv\"")
	if err := s.exporter.WriteCSV(r.Context(), pollID, w); err != nil {
		s.writeError(w, err)
		return
	}
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}

func newPollID() (string, error) {
	var buf [32]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	return "0x" + hex.EncodeToString(buf[:]), nil
}

func pollIDTo32Bytes(pollID string) ([32]byte, error) {
	var out [32]byte
	hash := common.HexToHash(pollID)
	copy(out[:], hash.Bytes())
	return out, nil
}

func bigIntTo32Bytes(v *big.Int) [32]byte {
	var out [32]byte
	v.FillBytes(out[:])
	return out
}
