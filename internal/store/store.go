package store

import (
	"encoding/json"
	"errors"
	"sync"

	"chatserver/internal/models"

	"github.com/dgraph-io/badger/v4"
)

// stateKey 全量状态文档在 Badger 中的唯一键。
var stateKey = []byte("state:document")

// Store 把用户、房间、邀请、消息四个集合作为一个文档整体持久化。
// 所有读改写都走 WithExclusive 的全局互斥区：先加载、后应用变更、
// 成功才落盘。锁是全库级别的，即使互不相关的两个房间的变更也会串行，
// 这是刻意用吞吐换一致性的取舍，也是当前设计的主要扩展瓶颈。
type Store struct {
	mu sync.Mutex
	db *badger.DB
}

// Open 打开指定目录下的 Badger 数据库。
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// WithExclusive 在全局互斥区内执行 fn：加载当前文档快照，把可变视图
// 交给 fn，fn 正常返回时整体重写落盘并返回 nil；fn 返回错误时跳过落盘，
// 持久化状态保持事务开始前的样子，错误原样返回。
// 需要与写入保持一致的读（比如成员资格检查）同样必须走这里。
func (s *Store) WithExclusive(fn func(doc *models.Document) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return err
	}
	if err := fn(doc); err != nil {
		return err
	}
	return s.save(doc)
}

// load 读取整份文档，键不存在时返回空文档。
func (s *Store) load() (*models.Document, error) {
	doc := models.NewDocument()
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(stateKey)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			return json.Unmarshal(v, doc)
		})
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// save 整体重写文档。每次事务全量写入，不做增量持久化。
func (s *Store) save(doc *models.Document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(stateKey, data)
	})
}
