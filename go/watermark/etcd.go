package watermark

import (
	"context"
	"encoding/json"
	"fmt"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// EtcdStore keeps watermarks under one etcd prefix, one key per
// (source, key) pair, using single-key transactions over mod-revisions for
// compare-and-set.
type EtcdStore struct {
	client *clientv3.Client
	prefix string
}

var _ Store = (*EtcdStore)(nil)

// NewEtcdStore returns a Store over |client| rooted at |prefix|, which must
// be non-empty and start with '/'.
func NewEtcdStore(client *clientv3.Client, prefix string) (*EtcdStore, error) {
	if prefix == "" || prefix[0] != '/' {
		return nil, fmt.Errorf("etcd prefix %q must start with '/'", prefix)
	}
	return &EtcdStore{client: client, prefix: prefix}, nil
}

func (s *EtcdStore) keyOf(source, key string) string {
	return s.prefix + "/" + source + "/" + key
}

func (s *EtcdStore) Get(ctx context.Context, source, key string) (Value, int64, error) {
	var resp, err = s.client.Get(ctx, s.keyOf(source, key))
	if err != nil {
		return Value{}, 0, fmt.Errorf("reading watermark: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return Value{}, 0, nil
	}

	var value Value
	if err = json.Unmarshal(resp.Kvs[0].Value, &value); err != nil {
		return Value{}, 0, fmt.Errorf("decoding watermark %q: %w", s.keyOf(source, key), err)
	}
	return value, resp.Kvs[0].ModRevision, nil
}

func (s *EtcdStore) CompareAndSet(ctx context.Context, source, key string, expected int64, value Value) (int64, error) {
	var b, err = json.Marshal(value)
	if err != nil {
		return 0, fmt.Errorf("encoding watermark: %w", err)
	}
	var k = s.keyOf(source, key)

	// An |expected| of zero compares against a key that must not exist.
	var resp, txnErr = s.client.Do(ctx, clientv3.OpTxn(
		[]clientv3.Cmp{clientv3.Compare(clientv3.ModRevision(k), "=", expected)},
		[]clientv3.Op{clientv3.OpPut(k, string(b))},
		nil,
	))
	if txnErr != nil {
		return 0, fmt.Errorf("watermark transaction: %w", txnErr)
	}
	if !resp.Txn().Succeeded {
		return 0, ErrRevisionMismatch
	}
	return resp.Txn().Header.Revision, nil
}

func (s *EtcdStore) Put(ctx context.Context, source, key string, value Value) (int64, error) {
	var b, err = json.Marshal(value)
	if err != nil {
		return 0, fmt.Errorf("encoding watermark: %w", err)
	}
	resp, err := s.client.Put(ctx, s.keyOf(source, key), string(b))
	if err != nil {
		return 0, fmt.Errorf("writing watermark: %w", err)
	}
	return resp.Header.Revision, nil
}
