// Package gss implements the Geospatial Store Supervisor (spec.md §4.1): a
// single message-processing loop that owns the master/replica topology of
// the geospatial cache (Tile38-shaped, spoken over the Redis wire protocol)
// and exposes one operation, ObtainConnection, that always returns a
// connection to the current master.
//
// Grounded on original_source/src/tasks/t38/master_replica.rs. Rust's
// flume channel + tokio::spawn loop becomes a goroutine draining an
// unbuffered Go channel of request structs, matching spec.md §5's
// requirement that shared mutable state be owned by exactly one task.
package gss

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/eugenever/locator/internal/observability"
)

const (
	connectTimeout    = 5 * time.Second
	countAttemptsRecover = 600
	recoverRetryDelay    = 1 * time.Second
	promotionSettle      = 1 * time.Second
	configFile           = "t38_config.json"
)

var (
	ErrNoMasterReachable = errors.New("gss: no master reachable")
	ErrPromotionFailed   = errors.New("gss: promotion failed")
)

// Node identifies one geospatial cache endpoint.
type Node struct {
	Host string `json:"host"`
	Port uint16 `json:"port"`
}

func (n Node) Addr() string { return fmt.Sprintf("%s:%d", n.Host, n.Port) }

type persistedTopology struct {
	Master Node   `json:"master"`
	Slaves []Node `json:"slaves"`
}

type request struct {
	kind      reqKind
	faultHint *string
	recovered Node
	reply     chan response
}

type reqKind int

const (
	reqGetConnection reqKind = iota
	reqRecoverFailedNode
)

type response struct {
	client *redis.Client
	node   Node
	err    error
}

// Supervisor owns the topology and serializes all access through run().
type Supervisor struct {
	configPath string
	reqCh      chan request

	master  Node
	slaves  []Node
	clients map[Node]*redis.Client
}

// New opens connections to every configured instance, reconciles against
// any persisted topology file (persisted file wins over live roles per
// spec.md §4.1 "startup reconciliation"), and starts the owning goroutine.
func New(ctx context.Context, instances []Node, configPath string) (*Supervisor, error) {
	if configPath == "" {
		configPath = configFile
	}
	s := &Supervisor{
		configPath: configPath,
		reqCh:      make(chan request),
		clients:    make(map[Node]*redis.Client, len(instances)),
	}

	roles := make(map[Node]string, len(instances))
	for _, n := range instances {
		c := newClient(n)
		s.clients[n] = c
		role, err := getRole(ctx, c)
		if err != nil {
			continue
		}
		roles[n] = role
	}

	persisted, err := loadPersisted(configPath)
	if err == nil {
		// Persisted file wins: reconcile live roles against it.
		s.master = persisted.Master
		s.slaves = persisted.Slaves
		liveMasterRole, ok := roles[persisted.Master]
		if !ok || liveMasterRole != "master" {
			// The file's master is not actually mastering; try to make it
			// so, and ask whichever instance claims to be master to follow
			// it instead.
			if mc, ok := s.clients[persisted.Master]; ok {
				_ = followNoOne(ctx, mc)
			}
			for n, role := range roles {
				if role == "master" && n != persisted.Master {
					if c, ok := s.clients[n]; ok {
						_ = follow(ctx, c, persisted.Master)
					}
				}
			}
		}
	} else {
		// No persisted file: trust live roles.
		found := false
		for n, role := range roles {
			if role == "master" {
				s.master = n
				found = true
				continue
			}
			s.slaves = append(s.slaves, n)
		}
		if !found {
			return nil, ErrNoMasterReachable
		}
		_ = s.persist()
	}

	if _, ok := s.clients[s.master]; !ok {
		return nil, ErrNoMasterReachable
	}

	go s.run(ctx)
	return s, nil
}

func newClient(n Node) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         n.Addr(),
		DialTimeout:  connectTimeout,
		ReadTimeout:  connectTimeout,
		WriteTimeout: connectTimeout,
	})
}

// ObtainConnection returns a connection to the current master. faultHint,
// when non-nil, is the error the caller observed against its last
// connection and triggers failover consideration.
func (s *Supervisor) ObtainConnection(ctx context.Context, faultHint *string) (*redis.Client, error) {
	reply := make(chan response, 1)
	req := request{kind: reqGetConnection, faultHint: faultHint, reply: reply}
	select {
	case s.reqCh <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case resp := <-reply:
		return resp.client, resp.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Supervisor) notifyRecovered(n Node) {
	reply := make(chan response, 1)
	s.reqCh <- request{kind: reqRecoverFailedNode, recovered: n, reply: reply}
	<-reply
}

func (s *Supervisor) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-s.reqCh:
			switch req.kind {
			case reqGetConnection:
				s.handleGetConnection(ctx, req)
			case reqRecoverFailedNode:
				s.slaves = append(s.slaves, req.recovered)
				req.reply <- response{}
			}
		}
	}
}

func (s *Supervisor) handleGetConnection(ctx context.Context, req request) {
	if req.faultHint == nil {
		req.reply <- response{client: s.clients[s.master], node: s.master}
		return
	}

	// Probe the current master with a short timeout.
	probeCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	err := ping(probeCtx, s.clients[s.master])
	cancel()
	if err == nil {
		req.reply <- response{client: s.clients[s.master], node: s.master}
		return
	}

	oldMaster := s.master
	newMaster, ok := s.pickReachableReplica(ctx)
	if !ok {
		observability.IncGSSMasterUnreachable()
		req.reply <- response{err: ErrPromotionFailed}
		return
	}

	if err := followNoOne(ctx, s.clients[newMaster]); err != nil {
		req.reply <- response{err: ErrPromotionFailed}
		return
	}
	time.Sleep(promotionSettle)

	s.master = newMaster
	s.slaves = removeNode(s.slaves, newMaster)
	_ = s.persist()
	observability.IncGSSFailover()

	req.reply <- response{client: s.clients[s.master], node: s.master}

	go s.recoverFailedNode(ctx, oldMaster, s.clients[oldMaster], s.master)
}

func (s *Supervisor) pickReachableReplica(ctx context.Context) (Node, bool) {
	for _, n := range s.slaves {
		c, ok := s.clients[n]
		if !ok {
			continue
		}
		probeCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		err := ping(probeCtx, c)
		cancel()
		if err == nil {
			return n, true
		}
	}
	return Node{}, false
}

// recoverFailedNode polls the old master until reachable, then makes it
// follow the new master, retrying up to countAttemptsRecover times,
// tolerating "busy loading" responses while the node replays its AOF. The
// run loop hands over the old master's client and the new master when it
// starts this goroutine, so the goroutine itself never touches s.master or
// s.clients.
func (s *Supervisor) recoverFailedNode(ctx context.Context, oldMaster Node, c *redis.Client, newMaster Node) {
	if c == nil {
		c = newClient(oldMaster)
	}

	for {
		if ping(ctx, c) == nil {
			break
		}
		select {
		case <-time.After(recoverRetryDelay):
		case <-ctx.Done():
			return
		}
	}

	for i := 0; i < countAttemptsRecover; i++ {
		err := follow(ctx, c, newMaster)
		if err == nil {
			observability.IncGSSRecovery()
			s.notifyRecovered(oldMaster)
			return
		}
		if !isBusyLoading(err) {
			// any other error: keep retrying too, matching master_replica.rs
		}
		select {
		case <-time.After(recoverRetryDelay):
		case <-ctx.Done():
			return
		}
	}
}

func (s *Supervisor) persist() error {
	t := persistedTopology{Master: s.master, Slaves: s.slaves}
	b, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return os.WriteFile(s.configPath, b, 0o644)
}

func loadPersisted(path string) (persistedTopology, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return persistedTopology{}, err
	}
	var t persistedTopology
	if err := json.Unmarshal(b, &t); err != nil {
		return persistedTopology{}, err
	}
	return t, nil
}

func removeNode(nodes []Node, n Node) []Node {
	out := nodes[:0]
	for _, x := range nodes {
		if x != n {
			out = append(out, x)
		}
	}
	return out
}

func ping(ctx context.Context, c *redis.Client) error {
	return c.Ping(ctx).Err()
}

// getRole issues a ROLE-equivalent query. Tile38 reports its role via the
// "ROLE" command, whose first reply element is "leader" or "follower" in
// modern Tile38, "master"/"slave" historically; both are normalized here.
func getRole(ctx context.Context, c *redis.Client) (string, error) {
	v, err := c.Do(ctx, "ROLE").Result()
	if err != nil {
		return "", err
	}
	arr, ok := v.([]interface{})
	if !ok || len(arr) == 0 {
		return "", fmt.Errorf("gss: unexpected ROLE reply")
	}
	role, _ := arr[0].(string)
	return normalizeRole(role), nil
}

// normalizeRole maps Tile38's role names ("leader"/"follower" in modern
// releases, "master"/"slave" historically) onto the two values gss reasons
// about internally.
func normalizeRole(role string) string {
	switch role {
	case "leader", "master":
		return "master"
	case "follower", "slave", "replica":
		return "slave"
	default:
		return role
	}
}

func followNoOne(ctx context.Context, c *redis.Client) error {
	return c.Do(ctx, "FOLLOW", "no", "one").Err()
}

func follow(ctx context.Context, c *redis.Client, master Node) error {
	return c.Do(ctx, "FOLLOW", master.Host, master.Port).Err()
}

func isBusyLoading(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return len(s) >= 12 && (s[:12] == "busy loading" || contains(s, "LOADING"))
}

func contains(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}
