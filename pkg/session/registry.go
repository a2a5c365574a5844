package session

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-memdb"
	"mellium.im/xmpp/jid"
)

const (
	tblSessions = "sessions"
	tblEnded    = "ended"
)

const (
	idxID   = "id"
	idxBare = "bare"
	idxSID  = "sid"
)

// record строка реестра
type record struct {
	Account  string
	Peer     string
	PeerBare string
	SID      string
	Session  *Session
}

// tombstone завершенный sid, кандидаты для него молча отбрасываются
type tombstone struct {
	Account string
	SID     string
	At      time.Time
}

var schema = &memdb.DBSchema{
	Tables: map[string]*memdb.TableSchema{
		tblSessions: {
			Name: tblSessions,
			Indexes: map[string]*memdb.IndexSchema{
				idxID: {
					Name:   idxID,
					Unique: true,
					Indexer: &memdb.CompoundIndex{
						Indexes: []memdb.Indexer{
							&memdb.StringFieldIndex{Field: "Account"},
							&memdb.StringFieldIndex{Field: "Peer"},
							&memdb.StringFieldIndex{Field: "SID"},
						},
					},
				},
				idxBare: {
					Name:   idxBare,
					Unique: false,
					Indexer: &memdb.CompoundIndex{
						Indexes: []memdb.Indexer{
							&memdb.StringFieldIndex{Field: "Account"},
							&memdb.StringFieldIndex{Field: "PeerBare"},
						},
					},
				},
				idxSID: {
					Name:   idxSID,
					Unique: false,
					Indexer: &memdb.CompoundIndex{
						Indexes: []memdb.Indexer{
							&memdb.StringFieldIndex{Field: "Account"},
							&memdb.StringFieldIndex{Field: "SID"},
						},
					},
				},
			},
		},
		tblEnded: {
			Name: tblEnded,
			Indexes: map[string]*memdb.IndexSchema{
				idxID: {
					Name:   idxID,
					Unique: true,
					Indexer: &memdb.CompoundIndex{
						Indexes: []memdb.Indexer{
							&memdb.StringFieldIndex{Field: "Account"},
							&memdb.StringFieldIndex{Field: "SID"},
						},
					},
				},
			},
		},
	},
}

// registry таблица сессий с составным ключом (account, peer, sid)
type registry struct {
	db  *memdb.MemDB
	ttl time.Duration
}

func newRegistry(ttl time.Duration) (*registry, error) {
	db, err := memdb.NewMemDB(schema)
	if err != nil {
		return nil, fmt.Errorf("create session table: %w", err)
	}
	return &registry{db: db, ttl: ttl}, nil
}

// matchPeer сопоставляет адрес запроса и сохраненный адрес:
// bare части равны, а ресурс запроса пуст, сохраненный ресурс пуст
// или ресурсы совпадают.
func matchPeer(query, stored jid.JID) bool {
	if !query.Bare().Equal(stored.Bare()) {
		return false
	}
	qr, sr := query.Resourcepart(), stored.Resourcepart()
	return qr == "" || sr == "" || qr == sr
}

// insert добавляет сессию. Существующая запись с тем же ключом заменяется
// и возвращается.
func (r *registry) insert(s *Session) (*Session, error) {
	txn := r.db.Txn(true)
	defer txn.Abort()

	rec := recordOf(s)
	var replaced *Session
	existing, err := txn.First(tblSessions, idxID, rec.Account, rec.Peer, rec.SID)
	if err != nil {
		return nil, fmt.Errorf("find session: %w", err)
	}
	if existing != nil {
		replaced = existing.(*record).Session
	}
	if err := txn.Insert(tblSessions, rec); err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	txn.Commit()
	return replaced, nil
}

// find возвращает первую сессию, подходящую под правило matchPeer.
// Пустой sid означает любую сессию пира.
func (r *registry) find(account, peer jid.JID, sid string) *Session {
	all := r.findAll(account, peer, sid)
	if len(all) == 0 {
		return nil
	}
	return all[0]
}

func (r *registry) findAll(account, peer jid.JID, sid string) []*Session {
	txn := r.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(tblSessions, idxBare, account.String(), peer.Bare().String())
	if err != nil {
		return nil
	}

	var out []*Session
	for raw := it.Next(); raw != nil; raw = it.Next() {
		rec := raw.(*record)
		if sid != "" && rec.SID != sid {
			continue
		}
		if matchPeer(peer, rec.Session.peer) {
			out = append(out, rec.Session)
		}
	}
	return out
}

// bySID все сессии аккаунта с данным sid независимо от пира
func (r *registry) bySID(account jid.JID, sid string) []*Session {
	txn := r.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(tblSessions, idxSID, account.String(), sid)
	if err != nil {
		return nil
	}

	var out []*Session
	for raw := it.Next(); raw != nil; raw = it.Next() {
		out = append(out, raw.(*record).Session)
	}
	return out
}

// remove удаляет именно эту сессию и оставляет надгробие для ее sid
func (r *registry) remove(s *Session, now time.Time) bool {
	txn := r.db.Txn(true)
	defer txn.Abort()

	rec := recordOf(s)
	existing, err := txn.First(tblSessions, idxID, rec.Account, rec.Peer, rec.SID)
	if err != nil || existing == nil || existing.(*record).Session != s {
		return false
	}
	if err := txn.Delete(tblSessions, existing); err != nil {
		return false
	}
	if err := txn.Insert(tblEnded, &tombstone{Account: rec.Account, SID: rec.SID, At: now}); err != nil {
		return false
	}
	r.pruneLocked(txn, now)
	txn.Commit()
	return true
}

// rebind переносит сессию на новый адрес пира
func (r *registry) rebind(s *Session, peer jid.JID) error {
	txn := r.db.Txn(true)
	defer txn.Abort()

	old := recordOf(s)
	existing, err := txn.First(tblSessions, idxID, old.Account, old.Peer, old.SID)
	if err != nil {
		return fmt.Errorf("find session: %w", err)
	}
	if existing != nil {
		if err := txn.Delete(tblSessions, existing); err != nil {
			return fmt.Errorf("delete session: %w", err)
		}
	}

	s.peer = peer
	if err := txn.Insert(tblSessions, recordOf(s)); err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	txn.Commit()
	return nil
}

// ended проверяет надгробие sid
func (r *registry) ended(account jid.JID, sid string) bool {
	txn := r.db.Txn(false)
	defer txn.Abort()

	raw, err := txn.First(tblEnded, idxID, account.String(), sid)
	return err == nil && raw != nil
}

// count число сессий в реестре
func (r *registry) count() int {
	txn := r.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(tblSessions, idxID)
	if err != nil {
		return 0
	}
	n := 0
	for raw := it.Next(); raw != nil; raw = it.Next() {
		n++
	}
	return n
}

func (r *registry) pruneLocked(txn *memdb.Txn, now time.Time) {
	it, err := txn.Get(tblEnded, idxID)
	if err != nil {
		return
	}
	var stale []interface{}
	for raw := it.Next(); raw != nil; raw = it.Next() {
		if now.Sub(raw.(*tombstone).At) > r.ttl {
			stale = append(stale, raw)
		}
	}
	for _, raw := range stale {
		_ = txn.Delete(tblEnded, raw)
	}
}

func recordOf(s *Session) *record {
	return &record{
		Account:  s.account.String(),
		Peer:     s.peer.String(),
		PeerBare: s.peer.Bare().String(),
		SID:      s.sid,
		Session:  s,
	}
}
