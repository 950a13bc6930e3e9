package firewall

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/google/nftables"
	"github.com/google/nftables/binaryutil"
	"github.com/google/nftables/expr"
	"golang.org/x/sys/unix"
)

const (
	metaRegister   = 1
	tcpDportOffset = 2
	loopback       = "lo"
)

// Conn is the part of *nftables.Conn the manager uses.
type Conn interface {
	ListTables() ([]*nftables.Table, error)
	ListChains() ([]*nftables.Chain, error)
	GetRules(t *nftables.Table, c *nftables.Chain) ([]*nftables.Rule, error)
	AddTable(t *nftables.Table) *nftables.Table
	AddChain(c *nftables.Chain) *nftables.Chain
	AddRule(r *nftables.Rule) *nftables.Rule
	FlushChain(c *nftables.Chain)
	DelTable(t *nftables.Table)
	Flush() error
}

// Manager owns the inet nat-tunnel table.
type Manager struct {
	conn Conn
}

var _ Guard = (*Manager)(nil)

func NewManager() *Manager {
	return &Manager{conn: &nftables.Conn{}}
}

// NewManagerWithConn is NewManager over an existing connection.
func NewManagerWithConn(conn Conn) *Manager {
	return &Manager{conn: conn}
}

func (m *Manager) findTable() (*nftables.Table, error) {
	tables, err := m.conn.ListTables()
	if err != nil {
		return nil, fmt.Errorf("nftables list tables: %w", err)
	}
	for _, t := range tables {
		if t.Name == TableName && t.Family == nftables.TableFamilyINet {
			return t, nil
		}
	}
	return nil, nil
}

func (m *Manager) findChain(table *nftables.Table) (*nftables.Chain, error) {
	chains, err := m.conn.ListChains()
	if err != nil {
		return nil, fmt.Errorf("nftables list chains: %w", err)
	}
	for _, c := range chains {
		if c.Table.Name == table.Name && c.Table.Family == table.Family && c.Name == ChainName {
			return c, nil
		}
	}
	return nil, nil
}

// ensure creates the table and the input base chain if missing.
func (m *Manager) ensure() (*nftables.Table, *nftables.Chain, error) {
	table, err := m.findTable()
	if err != nil {
		return nil, nil, err
	}
	if table == nil {
		table = m.conn.AddTable(&nftables.Table{Name: TableName, Family: nftables.TableFamilyINet})
		if err := m.conn.Flush(); err != nil {
			return nil, nil, fmt.Errorf("nftables add table: %w", err)
		}
	}

	chain, err := m.findChain(table)
	if err != nil {
		return nil, nil, err
	}
	if chain == nil {
		policy := nftables.ChainPolicyAccept
		chain = m.conn.AddChain(&nftables.Chain{
			Name:     ChainName,
			Table:    table,
			Hooknum:  nftables.ChainHookInput,
			Priority: nftables.ChainPriorityFilter,
			Type:     nftables.ChainTypeFilter,
			Policy:   &policy,
		})
		if err := m.conn.Flush(); err != nil {
			return nil, nil, fmt.Errorf("nftables add input chain: %w", err)
		}
	}
	return table, chain, nil
}

// GuardRule drops tcp traffic to port that did not come in on loopback.
func GuardRule(table *nftables.Table, chain *nftables.Chain, port int) *nftables.Rule {
	return &nftables.Rule{
		Table: table,
		Chain: chain,
		Exprs: []expr.Any{
			&expr.Meta{Key: expr.MetaKeyIIFNAME, Register: metaRegister},
			&expr.Cmp{Op: expr.CmpOpNeq, Register: metaRegister, Data: []byte(loopback + "\x00")},
			&expr.Meta{Key: expr.MetaKeyL4PROTO, Register: metaRegister},
			&expr.Cmp{Op: expr.CmpOpEq, Register: metaRegister, Data: []byte{unix.IPPROTO_TCP}},
			&expr.Payload{DestRegister: metaRegister, Base: expr.PayloadBaseTransportHeader, Offset: tcpDportOffset, Len: 2},
			&expr.Cmp{Op: expr.CmpOpEq, Register: metaRegister, Data: binaryutil.BigEndian.PutUint16(uint16(port))},
			&expr.Verdict{Kind: expr.VerdictDrop},
		},
	}
}

// guardedPort returns the port a rule built by GuardRule protects.
func guardedPort(rule *nftables.Rule) (int, bool) {
	var afterDport, notLoopback bool
	for _, e := range rule.Exprs {
		switch exp := e.(type) {
		case *expr.Payload:
			afterDport = exp.Base == expr.PayloadBaseTransportHeader && exp.Offset == tcpDportOffset
		case *expr.Cmp:
			if exp.Op == expr.CmpOpNeq && bytes.Equal(exp.Data, []byte(loopback+"\x00")) {
				notLoopback = true
			}
			if afterDport && exp.Op == expr.CmpOpEq && len(exp.Data) == 2 && notLoopback {
				return int(binaryutil.BigEndian.Uint16(exp.Data)), true
			}
		}
	}
	return 0, false
}

func (m *Manager) Apply(ports []int) error {
	table, chain, err := m.ensure()
	if err != nil {
		return err
	}
	m.conn.FlushChain(chain)
	for _, p := range dedupe(ports) {
		m.conn.AddRule(GuardRule(table, chain, p))
	}
	if err := m.conn.Flush(); err != nil {
		return fmt.Errorf("nftables flush: %w", err)
	}
	logger.Infof("guarding ports %v", ports)
	return nil
}

func (m *Manager) Ports() ([]int, error) {
	table, err := m.findTable()
	if err != nil || table == nil {
		return nil, err
	}
	chain, err := m.findChain(table)
	if err != nil || chain == nil {
		return nil, err
	}
	rules, err := m.conn.GetRules(table, chain)
	if err != nil {
		return nil, fmt.Errorf("nftables get rules: %w", err)
	}
	var ports []int
	for _, r := range rules {
		if p, ok := guardedPort(r); ok {
			ports = append(ports, p)
		}
	}
	sort.Ints(ports)
	return ports, nil
}

func (m *Manager) Remove() error {
	table, err := m.findTable()
	if err != nil || table == nil {
		return err
	}
	m.conn.DelTable(table)
	if err := m.conn.Flush(); err != nil {
		return fmt.Errorf("nftables delete table: %w", err)
	}
	logger.Infof("removed table inet %s", TableName)
	return nil
}

func dedupe(ports []int) []int {
	out := append([]int(nil), ports...)
	sort.Ints(out)
	j := 0
	for i, p := range out {
		if i > 0 && p == out[j-1] {
			continue
		}
		out[j] = p
		j++
	}
	return out[:j]
}
