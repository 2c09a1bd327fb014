package badgerstore

import (
	"encoding/json"

	"github.com/dgraph-io/badger/v4"

	"github.com/shardmesh/shardmesh/pkg/topology"
	"github.com/shardmesh/shardmesh/pkg/util"
)

var shardKeyPrefix = []byte("shard/")

type badgerPersister struct {
	db *badger.DB
}

// NewBadgerPersister creates a topology.Persister that stores shard
// descriptors in a Badger database, one JSON encoded descriptor per
// key. The caller retains ownership of the database handle and is
// responsible for closing it.
func NewBadgerPersister(db *badger.DB) topology.Persister {
	return &badgerPersister{db: db}
}

func shardKey(id string) []byte {
	return append(append([]byte(nil), shardKeyPrefix...), id...)
}

func (p *badgerPersister) LoadShards() ([]topology.ShardDescriptor, error) {
	var shards []topology.ShardDescriptor
	if err := p.db.View(func(txn *badger.Txn) error {
		options := badger.DefaultIteratorOptions
		options.Prefix = shardKeyPrefix
		it := txn.NewIterator(options)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := it.Item().Value(func(value []byte) error {
				var descriptor topology.ShardDescriptor
				if err := json.Unmarshal(value, &descriptor); err != nil {
					return util.StatusWrapf(err, "Failed to unmarshal shard descriptor %#v", string(it.Item().Key()))
				}
				shards = append(shards, descriptor)
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return shards, nil
}

func (p *badgerPersister) StoreShard(descriptor topology.ShardDescriptor) error {
	return p.StoreShards([]topology.ShardDescriptor{descriptor})
}

func (p *badgerPersister) StoreShards(descriptors []topology.ShardDescriptor) error {
	return p.db.Update(func(txn *badger.Txn) error {
		for _, descriptor := range descriptors {
			value, err := json.Marshal(descriptor)
			if err != nil {
				return util.StatusWrapf(err, "Failed to marshal shard descriptor %#v", descriptor.ID)
			}
			if err := txn.Set(shardKey(descriptor.ID), value); err != nil {
				return err
			}
		}
		return nil
	})
}

func (p *badgerPersister) DeleteShard(id string) error {
	return p.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(shardKey(id))
	})
}
