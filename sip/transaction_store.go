package sip

import (
	"iter"

	"github.com/voxlane/sipcore/internal/syncutil"
)

// TransactionStore is a thread-safe in-memory store of live transactions
// keyed by their transaction keys.
type TransactionStore[K comparable, T Transaction] struct {
	txs syncutil.RWMap[K, T]
}

func NewTransactionStore[K comparable, T Transaction]() *TransactionStore[K, T] {
	return &TransactionStore[K, T]{}
}

// Get returns the transaction stored under the key.
func (s *TransactionStore[K, T]) Get(key K) (T, bool) {
	return s.txs.Get(key)
}

// Put stores the transaction under the key, replacing any previous entry.
func (s *TransactionStore[K, T]) Put(key K, tx T) {
	s.txs.Set(key, tx)
}

// GetOrPut returns the transaction stored under the key, storing the
// provided transaction first when the key is vacant. The boolean result
// reports whether an existing entry was found.
func (s *TransactionStore[K, T]) GetOrPut(key K, tx T) (T, bool) {
	return s.txs.GetOrSet(key, tx)
}

// Del removes the transaction stored under the key.
func (s *TransactionStore[K, T]) Del(key K) {
	s.txs.Del(key)
}

// Drop removes and returns the transaction stored under the key.
func (s *TransactionStore[K, T]) Drop(key K) (T, bool) {
	return s.txs.GetAndDel(key)
}

// Len returns the number of stored transactions.
func (s *TransactionStore[K, T]) Len() int { return s.txs.Len() }

// All iterates over all stored transactions.
func (s *TransactionStore[K, T]) All() iter.Seq2[K, T] { return s.txs.All() }

// Clear terminates all stored transactions and empties the store.
func (s *TransactionStore[K, T]) Clear() {
	for _, tx := range s.txs.All() {
		tx.Terminate()
	}
	s.txs.Clear()
}

// ClientTransactionStore is a store of client transactions.
type ClientTransactionStore = TransactionStore[ClientTransactionKey, ClientTransaction]

func NewClientTransactionStore() *ClientTransactionStore {
	return NewTransactionStore[ClientTransactionKey, ClientTransaction]()
}

// ServerTransactionStore is a store of server transactions.
type ServerTransactionStore = TransactionStore[ServerTransactionKey, ServerTransaction]

func NewServerTransactionStore() *ServerTransactionStore {
	return NewTransactionStore[ServerTransactionKey, ServerTransaction]()
}
