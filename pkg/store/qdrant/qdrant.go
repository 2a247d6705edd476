package qdrant

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"github.com/fathom-kg/fathom/pkg/common"
	"github.com/fathom-kg/fathom/pkg/store"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
)

func init() {
	store.RegisterVectorStore("qdrant", func(ctx context.Context, cfg map[string]string) (store.VectorStore, error) {
		port := 6334
		if cfg["port"] != "" {
			p, err := strconv.Atoi(cfg["port"])
			if err != nil {
				return nil, common.Configf("invalid qdrant port %q: %v", cfg["port"], err)
			}
			port = p
		}
		dims, err := strconv.Atoi(cfg["dims"])
		if err != nil || dims <= 0 {
			return nil, common.Configf("qdrant vector store requires a positive dims setting, got %q", cfg["dims"])
		}
		return NewVectorStore(NewVectorStoreParams{
			Host:   cfg["host"],
			Port:   port,
			ApiKey: cfg["api_key"],
			UseTLS: cfg["use_tls"] == "true",
			Dims:   dims,
		})
	})
}

// VectorStore implements store.VectorStore on Qdrant. Each namespace maps to
// its own collection; collections are created lazily on first write with
// cosine distance.
type VectorStore struct {
	client *qdrant.Client
	dims   int

	ensureLock  sync.Mutex
	collections map[string]bool
}

// NewVectorStoreParams contains configuration options for creating a new
// Qdrant-backed VectorStore.
type NewVectorStoreParams struct {
	Host   string
	Port   int
	ApiKey string
	UseTLS bool
	Dims   int
}

// NewVectorStore connects to a Qdrant instance.
func NewVectorStore(params NewVectorStoreParams) (*VectorStore, error) {
	if params.Host == "" {
		return nil, common.Configf("qdrant vector store requires a host")
	}
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   params.Host,
		Port:   params.Port,
		APIKey: params.ApiKey,
		UseTLS: params.UseTLS,
	})
	if err != nil {
		return nil, wrapStoreErr("connect", err)
	}
	return &VectorStore{
		client:      client,
		dims:        params.Dims,
		collections: map[string]bool{},
	}, nil
}

func wrapStoreErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &common.StoreError{Op: "qdrant " + op, Transient: true, Err: err}
}

// collectionName maps a namespace to a Qdrant collection name. The namespace
// separator is not collection-name safe.
func collectionName(workspace string) string {
	return strings.ReplaceAll(workspace, "#", "__")
}

// pointID derives the stable Qdrant point UUID for a record ID. The mapping
// is deterministic so re-upserting the same record overwrites the same point.
func pointID(id string) *qdrant.PointId {
	return qdrant.NewIDUUID(uuid.NewSHA1(uuid.NameSpaceOID, []byte(id)).String())
}

// payloadIDKey carries the original record ID inside the point payload, since
// the point UUID is not reversible.
const payloadIDKey = "__record_id"

func (s *VectorStore) ensureCollection(ctx context.Context, collection string) error {
	s.ensureLock.Lock()
	defer s.ensureLock.Unlock()
	if s.collections[collection] {
		return nil
	}

	exists, err := s.client.CollectionExists(ctx, collection)
	if err != nil {
		return wrapStoreErr("collection exists", err)
	}
	if !exists {
		err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: collection,
			VectorsConfig: &qdrant.VectorsConfig{
				Config: &qdrant.VectorsConfig_Params{
					Params: &qdrant.VectorParams{
						Size:     uint64(s.dims),
						Distance: qdrant.Distance_Cosine,
					},
				},
			},
		})
		if err != nil {
			return wrapStoreErr("create collection", err)
		}
	}
	s.collections[collection] = true
	return nil
}

func (s *VectorStore) Upsert(ctx context.Context, workspace string, records []store.VectorRecord) error {
	if len(records) == 0 {
		return nil
	}
	collection := collectionName(workspace)
	if err := s.ensureCollection(ctx, collection); err != nil {
		return err
	}

	points := make([]*qdrant.PointStruct, 0, len(records))
	for _, rec := range records {
		payload := make(map[string]any, len(rec.Payload)+1)
		for k, v := range rec.Payload {
			payload[k] = v
		}
		payload[payloadIDKey] = rec.ID

		points = append(points, &qdrant.PointStruct{
			Id:      pointID(rec.ID),
			Vectors: qdrant.NewVectors(rec.Vector...),
			Payload: qdrant.NewValueMap(payload),
		})
	}

	wait := true
	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: collection,
		Points:         points,
		Wait:           &wait,
	})
	return wrapStoreErr("upsert", err)
}

func (s *VectorStore) Has(ctx context.Context, workspace, id string) (bool, error) {
	recs, err := s.Get(ctx, workspace, []string{id})
	if err != nil {
		return false, err
	}
	return len(recs) == 1, nil
}

func (s *VectorStore) Get(ctx context.Context, workspace string, ids []string) ([]store.VectorRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	collection := collectionName(workspace)
	if err := s.ensureCollection(ctx, collection); err != nil {
		return nil, err
	}

	pointIDs := make([]*qdrant.PointId, 0, len(ids))
	for _, id := range ids {
		pointIDs = append(pointIDs, pointID(id))
	}

	points, err := s.client.Get(ctx, &qdrant.GetPoints{
		CollectionName: collection,
		Ids:            pointIDs,
		WithPayload:    qdrant.NewWithPayload(true),
		WithVectors:    qdrant.NewWithVectors(true),
	})
	if err != nil {
		return nil, wrapStoreErr("get", err)
	}

	byID := make(map[string]store.VectorRecord, len(points))
	for _, point := range points {
		rec := store.VectorRecord{Payload: map[string]string{}}
		for key, value := range point.GetPayload() {
			if key == payloadIDKey {
				rec.ID = value.GetStringValue()
				continue
			}
			rec.Payload[key] = value.GetStringValue()
		}
		if vec := point.GetVectors().GetVector(); vec != nil {
			rec.Vector = vec.GetData()
		}
		byID[rec.ID] = rec
	}

	out := make([]store.VectorRecord, 0, len(byID))
	for _, id := range ids {
		if rec, ok := byID[id]; ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *VectorStore) Query(ctx context.Context, workspace string, vector []float32, topK int) ([]store.ScoredPoint, error) {
	if topK <= 0 {
		return nil, nil
	}
	collection := collectionName(workspace)
	if err := s.ensureCollection(ctx, collection); err != nil {
		return nil, err
	}

	limit := uint64(topK)
	hits, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          &limit,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, wrapStoreErr("query", err)
	}

	points := make([]store.ScoredPoint, 0, len(hits))
	for _, hit := range hits {
		point := store.ScoredPoint{
			Payload: map[string]string{},
			// Qdrant reports cosine similarity in [-1,1].
			Similarity: (float64(hit.GetScore()) + 1) / 2,
		}
		for key, value := range hit.GetPayload() {
			if key == payloadIDKey {
				point.ID = value.GetStringValue()
				continue
			}
			point.Payload[key] = value.GetStringValue()
		}
		points = append(points, point)
	}
	return points, nil
}

func (s *VectorStore) DeleteByID(ctx context.Context, workspace string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	collection := collectionName(workspace)
	if err := s.ensureCollection(ctx, collection); err != nil {
		return err
	}

	pointIDs := make([]*qdrant.PointId, 0, len(ids))
	for _, id := range ids {
		pointIDs = append(pointIDs, pointID(id))
	}

	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: collection,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{
				Points: &qdrant.PointsIdsList{Ids: pointIDs},
			},
		},
	})
	return wrapStoreErr("delete", err)
}

func (s *VectorStore) DeleteByField(ctx context.Context, workspace, field, value string) error {
	collection := collectionName(workspace)
	if err := s.ensureCollection(ctx, collection); err != nil {
		return err
	}

	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: collection,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Filter{
				Filter: &qdrant.Filter{
					Must: []*qdrant.Condition{
						{
							ConditionOneOf: &qdrant.Condition_Field{
								Field: &qdrant.FieldCondition{
									Key: field,
									// Keyword match compares the whole payload
									// value; text match would tokenize it.
									Match: &qdrant.Match{
										MatchValue: &qdrant.Match_Keyword{Keyword: value},
									},
								},
							},
						},
					},
				},
			},
		},
	})
	return wrapStoreErr("delete by field", err)
}
