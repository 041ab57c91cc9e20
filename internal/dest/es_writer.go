package dest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"github.com/nodestorage/mongosync/internal/core"
	"github.com/nodestorage/mongosync/internal/esdoc"
	"github.com/nodestorage/mongosync/internal/source"
	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"
)

// esWriter mirrors documents into an Elasticsearch index, one index per
// source collection, document _id preserved as the ES document id.
type esWriter struct {
	addresses []string
	client    *elasticsearch.Client
}

func NewElasticsearchWriter(addresses []string) Writer {
	return &esWriter{addresses: addresses}
}

func (w *esWriter) Connect(ctx context.Context) error {
	client, err := elasticsearch.NewClient(elasticsearch.Config{Addresses: w.addresses})
	if err != nil {
		return fmt.Errorf("dest: elasticsearch client: %w", err)
	}
	res, err := client.Ping(client.Ping.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("dest: elasticsearch ping: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("dest: elasticsearch ping returned %s", res.Status())
	}
	w.client = client
	return nil
}

func (w *esWriter) Close(ctx context.Context) error { return nil }

func (w *esWriter) Reconnect(ctx context.Context) error {
	return w.Connect(ctx)
}

// CreateIndex creates the destination index if absent; Elasticsearch has
// no concept of a secondary index matching Mongo's, so only the index
// itself (one per collection) is mirrored, not per-field indexes.
func (w *esWriter) CreateIndex(ctx context.Context, db, coll string, idx source.IndexDescriptor) error {
	name := indexName(db, coll)
	exists, err := w.indexExists(ctx, name)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	res, err := w.client.Indices.Create(name, w.client.Indices.Create.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("dest: create index %s: %w", name, err)
	}
	defer res.Body.Close()
	if res.IsError() && res.StatusCode != 400 { // 400 resource_already_exists is a benign race
		return fmt.Errorf("dest: create index %s returned %s", name, res.Status())
	}
	return nil
}

func (w *esWriter) indexExists(ctx context.Context, name string) (bool, error) {
	res, err := w.client.Indices.Exists([]string{name}, w.client.Indices.Exists.WithContext(ctx))
	if err != nil {
		return false, fmt.Errorf("dest: check index %s: %w", name, err)
	}
	defer res.Body.Close()
	return res.StatusCode == 200, nil
}

func (w *esWriter) DropDatabase(ctx context.Context, db string) error {
	res, err := w.client.Indices.Delete([]string{db + "_*"}, w.client.Indices.Delete.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("dest: drop index pattern for db %s: %w", db, err)
	}
	defer res.Body.Close()
	return nil
}

func indexName(db, coll string) string {
	return db + "_" + coll
}

// BulkWrite translates ops into a single Elasticsearch bulk request body.
// Replace becomes index, update becomes a doc_as_upsert partial update,
// delete becomes delete. This call issues exactly one HTTP bulk request,
// however many ops it is given.
func (w *esWriter) BulkWrite(ctx context.Context, db, coll string, ops []WriteOp) error {
	if len(ops) == 0 {
		return nil
	}
	index := indexName(db, coll)
	var buf bytes.Buffer
	for _, op := range ops {
		if err := writeBulkAction(&buf, index, op); err != nil {
			return err
		}
	}

	req := esapi.BulkRequest{Index: index, Body: &buf, Refresh: "false"}
	res, err := req.Do(ctx, w.client)
	if err != nil {
		return fmt.Errorf("dest: elasticsearch bulk request: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("dest: elasticsearch bulk request returned %s", res.Status())
	}

	var result struct {
		Errors bool `json:"errors"`
		Items  []map[string]struct {
			Status int `json:"status"`
			Error  struct {
				Type   string `json:"type"`
				Reason string `json:"reason"`
			} `json:"error"`
		} `json:"items"`
	}
	if err := json.NewDecoder(res.Body).Decode(&result); err != nil {
		return fmt.Errorf("dest: decode elasticsearch bulk response: %w", err)
	}
	if result.Errors {
		for _, item := range result.Items {
			for action, detail := range item {
				if detail.Error.Type != "" {
					core.Warn("elasticsearch bulk item failed",
						zap.String("action", action), zap.String("type", detail.Error.Type), zap.String("reason", detail.Error.Reason))
				}
			}
		}
	}
	return nil
}

func writeBulkAction(buf *bytes.Buffer, index string, op WriteOp) error {
	id := fmt.Sprintf("%v", op.ID)
	switch op.Kind {
	case OpReplace:
		meta, _ := json.Marshal(map[string]interface{}{
			"index": map[string]interface{}{"_index": index, "_id": id},
		})
		buf.Write(meta)
		buf.WriteByte('\n')
		body, err := bsonDocToJSON(op.Doc)
		if err != nil {
			return err
		}
		buf.Write(body)
		buf.WriteByte('\n')
	case OpUpdate:
		return writeUpdateActions(buf, index, id, op.Doc)
	case OpDelete:
		meta, _ := json.Marshal(map[string]interface{}{
			"delete": map[string]interface{}{"_index": index, "_id": id},
		})
		buf.Write(meta)
		buf.WriteByte('\n')
	case OpInsertNoID:
		meta, _ := json.Marshal(map[string]interface{}{
			"index": map[string]interface{}{"_index": index},
		})
		buf.Write(meta)
		buf.WriteByte('\n')
		body, err := bsonDocToJSON(op.Doc)
		if err != nil {
			return err
		}
		buf.Write(body)
		buf.WriteByte('\n')
	}
	return nil
}

// writeUpdateActions translates a Mongo $set/$unset modifier document into
// one or two Elasticsearch "update" bulk actions: $set fields become a
// nested partial-update doc (internal/esdoc.FlatToNested), $unset fields
// become a painless remove-script (internal/esdoc.UnsetScript). A modifier
// carrying both emits both actions against the same _id.
func writeUpdateActions(buf *bytes.Buffer, index, id string, modifier bson.D) error {
	var setFields bson.D
	var unsetFields []string
	for _, elem := range modifier {
		switch elem.Key {
		case "$set":
			if fields, ok := elem.Value.(bson.D); ok {
				setFields = append(setFields, fields...)
			}
		case "$unset":
			if fields, ok := elem.Value.(bson.D); ok {
				for _, f := range fields {
					unsetFields = append(unsetFields, f.Key)
				}
			}
		}
	}

	if len(setFields) > 0 {
		meta, _ := json.Marshal(map[string]interface{}{
			"update": map[string]interface{}{"_index": index, "_id": id, "retry_on_conflict": 3},
		})
		buf.Write(meta)
		buf.WriteByte('\n')
		body, err := json.Marshal(map[string]interface{}{"doc": esdoc.FlatToNested(setFields), "doc_as_upsert": true})
		if err != nil {
			return fmt.Errorf("dest: marshal elasticsearch partial update: %w", err)
		}
		buf.Write(body)
		buf.WriteByte('\n')
	}

	if len(unsetFields) > 0 {
		source, params := esdoc.UnsetScript(unsetFields)
		meta, _ := json.Marshal(map[string]interface{}{
			"update": map[string]interface{}{"_index": index, "_id": id, "retry_on_conflict": 3},
		})
		buf.Write(meta)
		buf.WriteByte('\n')
		body, err := json.Marshal(map[string]interface{}{
			"script": map[string]interface{}{"source": source, "params": params},
		})
		if err != nil {
			return fmt.Errorf("dest: marshal elasticsearch unset script: %w", err)
		}
		buf.Write(body)
		buf.WriteByte('\n')
	}

	// A full-replacement update (no $-prefixed modifier at all) never
	// reaches here: buildWriteOp routes those through OpReplace instead.
	return nil
}

func bsonDocToJSON(doc bson.D) ([]byte, error) {
	m := doc.Map()
	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("dest: marshal document for elasticsearch: %w", err)
	}
	return out, nil
}
