package rpc

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/blitedb/blite/engine"
	"github.com/blitedb/blite/fault"
)

// Control-plane messages marshal as JSON through the frame codec; only the
// streaming result chunks define a byte layout of their own.

// Metadata service.

type GetKeyMapRequest struct {
	DB     string `json:"db,omitempty"`
	Anchor string `json:"anchorCollection,omitempty"`
}

type RegisterKeysRequest struct {
	DB     string   `json:"db,omitempty"`
	Anchor string   `json:"anchorCollection,omitempty"`
	Names  []string `json:"names"`
}

type KeyPair struct {
	Name string `json:"name"`
	ID   uint16 `json:"id"`
}

type KeyMapResponse struct {
	Pairs []KeyPair `json:"pairs"`
}

// Dynamic service. Collection names are logical; the server applies the
// caller's namespace. Payloads are dictionary-compressed document bytes.

type InsertRequest struct {
	DB         string `json:"db,omitempty"`
	Collection string `json:"collection"`
	TxnID      string `json:"txnId,omitempty"`
	Payload    []byte `json:"payload"`
}

type InsertResponse struct {
	Key []byte `json:"key"`
	ID  string `json:"id"`
}

type InsertManyRequest struct {
	DB         string   `json:"db,omitempty"`
	Collection string   `json:"collection"`
	TxnID      string   `json:"txnId,omitempty"`
	Payloads   [][]byte `json:"payloads"`
}

type InsertManyResponse struct {
	Keys [][]byte `json:"keys"`
}

type FindByIDRequest struct {
	DB         string `json:"db,omitempty"`
	Collection string `json:"collection"`
	TxnID      string `json:"txnId,omitempty"`
	Key        []byte `json:"key"`
}

type FindByIDResponse struct {
	Payload []byte `json:"payload,omitempty"`
	Found   bool   `json:"found"`
}

type UpdateRequest struct {
	DB         string `json:"db,omitempty"`
	Collection string `json:"collection"`
	TxnID      string `json:"txnId,omitempty"`
	Payload    []byte `json:"payload"`
}

type UpdateResponse struct {
	Found bool `json:"found"`
}

type UpdateManyRequest struct {
	DB         string   `json:"db,omitempty"`
	Collection string   `json:"collection"`
	TxnID      string   `json:"txnId,omitempty"`
	Payloads   [][]byte `json:"payloads"`
}

type UpdateManyResponse struct {
	Matched int64 `json:"matched"`
}

type DeleteRequest struct {
	DB         string `json:"db,omitempty"`
	Collection string `json:"collection"`
	TxnID      string `json:"txnId,omitempty"`
	Key        []byte `json:"key"`
}

type DeleteResponse struct {
	Found bool `json:"found"`
}

type DeleteManyRequest struct {
	DB         string   `json:"db,omitempty"`
	Collection string   `json:"collection"`
	TxnID      string   `json:"txnId,omitempty"`
	Keys       [][]byte `json:"keys"`
}

type DeleteManyResponse struct {
	Deleted int64 `json:"deleted"`
}

type QueryRequest struct {
	DB         string `json:"db,omitempty"`
	Collection string `json:"collection"`
	Descriptor []byte `json:"descriptor"`
}

type CountRequest struct {
	DB         string `json:"db,omitempty"`
	Collection string `json:"collection"`
	Descriptor []byte `json:"descriptor,omitempty"`
}

type CountResponse struct {
	Count int64 `json:"count"`
}

type ListCollectionsRequest struct {
	DB string `json:"db,omitempty"`
}

type ListCollectionsResponse struct {
	Collections []string `json:"collections"`
}

type DropCollectionRequest struct {
	DB         string `json:"db,omitempty"`
	Collection string `json:"collection"`
}

type DropCollectionResponse struct {
	Dropped bool `json:"dropped"`
}

type CreateIndexRequest struct {
	DB         string           `json:"db,omitempty"`
	Collection string           `json:"collection"`
	Spec       engine.IndexSpec `json:"spec"`
}

type DropIndexRequest struct {
	DB         string `json:"db,omitempty"`
	Collection string `json:"collection"`
	Name       string `json:"name"`
}

type DropIndexResponse struct {
	Dropped bool `json:"dropped"`
}

type ListIndexesRequest struct {
	DB         string `json:"db,omitempty"`
	Collection string `json:"collection"`
}

type ListIndexesResponse struct {
	Indexes []engine.IndexSpec `json:"indexes"`
}

type SetVectorSourceRequest struct {
	DB         string               `json:"db,omitempty"`
	Collection string               `json:"collection"`
	Source     *engine.VectorSource `json:"source"`
}

type GetVectorSourceRequest struct {
	DB         string `json:"db,omitempty"`
	Collection string `json:"collection"`
}

type GetVectorSourceResponse struct {
	Source *engine.VectorSource `json:"source,omitempty"`
	Found  bool                 `json:"found"`
}

type SetSchemaRequest struct {
	DB         string               `json:"db,omitempty"`
	Collection string               `json:"collection"`
	Fields     []engine.SchemaField `json:"fields"`
}

type SetSchemaResponse struct {
	Version int `json:"version"`
}

type GetSchemaRequest struct {
	DB         string `json:"db,omitempty"`
	Collection string `json:"collection"`
}

type GetSchemaResponse struct {
	Versions []engine.SchemaVersion `json:"versions"`
}

type ConfigureTimeSeriesRequest struct {
	DB               string `json:"db,omitempty"`
	Collection       string `json:"collection"`
	TTLField         string `json:"ttlField"`
	RetentionSeconds int64  `json:"retentionSeconds"`
}

type GetTimeSeriesInfoRequest struct {
	DB         string `json:"db,omitempty"`
	Collection string `json:"collection"`
}

type GetTimeSeriesInfoResponse struct {
	TTLField         string `json:"ttlField,omitempty"`
	RetentionSeconds int64  `json:"retentionSeconds,omitempty"`
	Configured       bool   `json:"configured"`
}

type VectorSearchRequest struct {
	DB         string    `json:"db,omitempty"`
	Collection string    `json:"collection"`
	Index      string    `json:"index,omitempty"`
	K          int       `json:"k"`
	EfSearch   int       `json:"efSearch,omitempty"`
	Query      []float32 `json:"query"`
}

// Empty is the reply of operations with no payload.
type Empty struct{}

// Transaction service.

type BeginRequest struct {
	DB string `json:"db,omitempty"`
}

type BeginResponse struct {
	TxnID string `json:"txnId"`
}

type TxnRequest struct {
	TxnID string `json:"txnId"`
}

// Admin service.

type PermSpec struct {
	Collection string   `json:"collection"`
	Ops        []string `json:"ops"`
}

type CreateUserRequest struct {
	Name         string     `json:"name"`
	Namespace    string     `json:"namespace,omitempty"`
	RestrictedDB *string    `json:"restrictedDb,omitempty"`
	Perms        []PermSpec `json:"perms"`
}

type APIKeyResponse struct {
	APIKey string `json:"apiKey"`
}

type UserNameRequest struct {
	Name string `json:"name"`
}

type UpdatePermsRequest struct {
	Name  string     `json:"name"`
	Perms []PermSpec `json:"perms"`
}

type UserInfo struct {
	Name         string     `json:"name"`
	Active       bool       `json:"active"`
	Namespace    string     `json:"namespace,omitempty"`
	RestrictedDB *string    `json:"restrictedDb,omitempty"`
	Perms        []PermSpec `json:"perms"`
	CreatedAt    time.Time  `json:"createdAt"`
}

type ListUsersResponse struct {
	Users []UserInfo `json:"users"`
}

type TenantRequest struct {
	ID          string `json:"id"`
	DeleteFiles bool   `json:"deleteFiles,omitempty"`
}

type TenantInfo struct {
	ID     string `json:"id"`
	Active bool   `json:"active"`
}

type ListTenantsResponse struct {
	Tenants []TenantInfo `json:"tenants"`
}

// ResultChunk is one streamed query or vector-search hit. It owns its wire
// layout: a flags byte (bit0 found, bit1 carries distance), an optional
// little-endian float32 distance, and the document payload.
type ResultChunk struct {
	Payload  []byte
	Found    bool
	Distance float32
	HasDist  bool
}

const (
	chunkFound   = 0x01
	chunkHasDist = 0x02
)

func (c *ResultChunk) MarshalFrame() ([]byte, error) {
	var n = 1 + len(c.Payload)
	if c.HasDist {
		n += 4
	}
	var out = make([]byte, 1, n)
	if c.Found {
		out[0] |= chunkFound
	}
	if c.HasDist {
		out[0] |= chunkHasDist
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], math.Float32bits(c.Distance))
		out = append(out, b[:]...)
	}
	return append(out, c.Payload...), nil
}

func (c *ResultChunk) UnmarshalFrame(data []byte) error {
	if len(data) < 1 {
		return fault.Errorf(fault.InvalidInput, "empty result chunk")
	}
	var flags = data[0]
	data = data[1:]
	c.Found = flags&chunkFound != 0
	c.HasDist = flags&chunkHasDist != 0
	if c.HasDist {
		if len(data) < 4 {
			return fault.Errorf(fault.InvalidInput, "truncated result chunk")
		}
		c.Distance = math.Float32frombits(binary.LittleEndian.Uint32(data[:4]))
		data = data[4:]
	}
	c.Payload = append([]byte(nil), data...)
	return nil
}
