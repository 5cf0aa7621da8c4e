package server

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"votara/services/coordinator/auth"
	"votara/services/coordinator/identity"
	"votara/services/coordinator/models"
	"votara/services/coordinator/recon"
	"votara/services/coordinator/store"
)

const testServerKey = "test-server-key-at-least-32-bytes!!"

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, models.AutoMigrate(db))
	return db
}

type fakeChainClient struct {
	groupID string
	txHash  string
}

func (f *fakeChainClient) CreateGroup(ctx context.Context) (string, string, error) {
	return f.groupID, f.txHash, nil
}

func (f *fakeChainClient) AddMembers(ctx context.Context, groupID *big.Int, members [][32]byte) (string, error) {
	return "0xaddmemberstx", nil
}

func (f *fakeChainClient) PollExistsOnChain(ctx context.Context, pollID [32]byte) (bool, error) {
	return false, nil
}

func (f *fakeChainClient) GroupID(ctx context.Context, pollID [32]byte) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (f *fakeChainClient) MerkleTreeRoot(ctx context.Context, groupID *big.Int) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (f *fakeChainClient) MerkleTreeDepth(ctx context.Context, groupID *big.Int) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (f *fakeChainClient) MerkleTreeSize(ctx context.Context, groupID *big.Int) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (f *fakeChainClient) Results(ctx context.Context, pollID [32]byte, optionCount int) ([]uint64, error) {
	return make([]uint64, optionCount), nil
}

func newTestServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	db := setupTestDB(t)
	s := store.New(db)
	srv := New(Config{
		Store:       s,
		Chain:       &fakeChainClient{groupID: "7", txHash: "0xcreate"},
		Projector:   identity.NewProjector(identity.Keccak256Hasher{}),
		NonceIssuer: auth.NewNonceIssuer(testServerKey),
		Tokens:      auth.NewTokenIssuer(testServerKey, time.Hour),
		Exporter:    &recon.Exporter{Store: s},
	})
	return srv, s
}

type keyHolder struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// decodeData unwraps the {success,data} envelope every 2xx response carries
// and decodes the "data" field into out.
func decodeData(t *testing.T, body *bytes.Buffer, out any) {
	t.Helper()
	var envelope struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
	}
	require.NoError(t, json.NewDecoder(body).Decode(&envelope))
	require.True(t, envelope.Success)
	require.NoError(t, json.Unmarshal(envelope.Data, out))
}

func newKeyHolder(t *testing.T) *keyHolder {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return &keyHolder{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}
}

func loginAs(t *testing.T, srv *Server, key *keyHolder) string {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/auth/nonce", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var nonceResp map[string]string
	decodeData(t, rec.Body, &nonceResp)

	msg := auth.LoginMessage{
		Domain:   "votara.test",
		Address:  key.address.Hex(),
		Nonce:    nonceResp["nonce"],
		ChainID:  1,
		IssuedAt: time.Now().Unix(),
	}
	digest := accounts.TextHash([]byte(msg.CanonicalString()))
	sig, err := crypto.Sign(digest, key.key)
	require.NoError(t, err)

	body, err := json.Marshal(map[string]any{
		"message":     msg,
		"signature":   "0x" + hex.EncodeToString(sig),
		"signedNonce": nonceResp["signedNonce"],
	})
	require.NoError(t, err)

	req = httptest.NewRequest(http.MethodPost, "/auth/verify", bytes.NewReader(body))
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var verifyResp map[string]string
	decodeData(t, rec.Body, &verifyResp)
	return verifyResp["token"]
}

func TestAuthLoginFlow(t *testing.T) {
	srv, _ := newTestServer(t)
	holder := newKeyHolder(t)
	token := loginAs(t, srv, holder)
	require.NotEmpty(t, token)
}

func TestCreatePollAndLifecycle(t *testing.T) {
	srv, s := newTestServer(t)
	holder := newKeyHolder(t)
	token := loginAs(t, srv, holder)

	createBody, _ := json.Marshal(map[string]any{
		"title":       "Color",
		"description": "pick one",
		"options":     []models.Option{{ID: 0, Label: "red"}, {ID: 1, Label: "blue"}},
		"startTime":   time.Now().Add(-time.Minute),
		"endTime":     time.Now().Add(time.Hour),
	})
	req := httptest.NewRequest(http.MethodPost, "/polls", bytes.NewReader(createBody))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created pollResponse
	decodeData(t, rec.Body, &created)
	require.Equal(t, "DRAFT", created.Status)

	groupBody, _ := json.Marshal(map[string]any{
		"eligibleAddresses": []string{"0x0000000000000000000000000000000000AbCd"},
	})
	req = httptest.NewRequest(http.MethodPost, "/polls/"+created.ID+"/create-group", bytes.NewReader(groupBody))
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var groupResp map[string]any
	decodeData(t, rec.Body, &groupResp)
	require.Equal(t, "7", groupResp["groupId"])

	roster, err := s.GetPoll(context.Background(), created.ID)
	require.NoError(t, err)
	require.NotEqual(t, "[]", string(roster.Poll.MembershipRoster))
}

func TestUpdatePollForbiddenForNonCreator(t *testing.T) {
	srv, _ := newTestServer(t)
	creator := newKeyHolder(t)
	other := newKeyHolder(t)

	creatorToken := loginAs(t, srv, creator)
	otherToken := loginAs(t, srv, other)

	createBody, _ := json.Marshal(map[string]any{
		"title":     "T",
		"options":   []models.Option{{ID: 0, Label: "a"}, {ID: 1, Label: "b"}},
		"startTime": time.Now(),
		"endTime":   time.Now().Add(time.Hour),
	})
	req := httptest.NewRequest(http.MethodPost, "/polls", bytes.NewReader(createBody))
	req.Header.Set("Authorization", "Bearer "+creatorToken)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created pollResponse
	decodeData(t, rec.Body, &created)

	updateBody, _ := json.Marshal(map[string]any{"title": "Hijack"})
	req = httptest.NewRequest(http.MethodPut, "/polls/"+created.ID, bytes.NewReader(updateBody))
	req.Header.Set("Authorization", "Bearer "+otherToken)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHealthzReportsOK(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}
