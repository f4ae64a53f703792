package view

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	"mview/pkg/catalog"
	"mview/pkg/mutation"
)

// Stmt is the internal re-write statement a view mutation travels through
// on its way to view storage. The statement text carries identifiers only;
// values ride alongside as positional arguments so oversized cells never
// have to be text-encoded. Identifiers are quoted by the same rules used
// at definition time; the apply side re-parses the text, so a quoting bug
// shows up as a parse failure or a wrong-target write, exactly the failure
// mode this layer exists to prevent.
type Stmt struct {
	Text string
	Args []mutation.Value
	Ts   uint64
}

func (s *Stmt) String() string {
	return fmt.Sprintf("[ts=%d]%s", s.Ts, s.Text)
}

// RewriteMutation renders a generated view mutation as an internal
// statement.
func RewriteMutation(def *catalog.ViewEntry, m *mutation.ViewMutation) *Stmt {
	stmt := &Stmt{Ts: m.Ts}
	var buf bytes.Buffer
	keyCols := def.KeyCols
	keyVals := append(append([]mutation.Value{}, m.Partition...), m.Clustering...)
	if m.Delete {
		buf.WriteString("DELETE FROM ")
		buf.WriteString(catalog.QuoteIdent(def.Name))
		buf.WriteString(" WHERE ")
		for i, col := range keyCols {
			if i > 0 {
				buf.WriteString(" AND ")
			}
			buf.WriteString(catalog.QuoteIdent(col))
			buf.WriteString(" = ?")
			stmt.Args = append(stmt.Args, keyVals[i])
		}
		stmt.Text = buf.String()
		return stmt
	}

	cellCols := make([]string, 0, len(m.Cells))
	for col := range m.Cells {
		cellCols = append(cellCols, col)
	}
	sort.Strings(cellCols)

	buf.WriteString("INSERT INTO ")
	buf.WriteString(catalog.QuoteIdent(def.Name))
	buf.WriteString(" (")
	for i, col := range keyCols {
		if i > 0 {
			buf.WriteString(", ")
		}
		buf.WriteString(catalog.QuoteIdent(col))
		stmt.Args = append(stmt.Args, keyVals[i])
	}
	for _, col := range cellCols {
		buf.WriteString(", ")
		buf.WriteString(catalog.QuoteIdent(col))
		stmt.Args = append(stmt.Args, m.Cells[col])
	}
	buf.WriteString(") VALUES (")
	for i := range stmt.Args {
		if i > 0 {
			buf.WriteString(", ")
		}
		buf.WriteString("?")
	}
	buf.WriteString(")")
	stmt.Text = buf.String()
	return stmt
}

// ToMutation parses the statement back into a view mutation against def.
// Identifiers must round-trip exactly; an identifier that does not resolve
// to a view column is an error, never a silent no-op write elsewhere.
func (s *Stmt) ToMutation(def *catalog.ViewEntry) (*mutation.ViewMutation, error) {
	p := &stmtParser{text: s.Text}
	isDelete := false
	var cols []string
	switch {
	case p.eatKeyword("INSERT") && p.eatKeyword("INTO"):
		name, err := p.ident()
		if err != nil {
			return nil, err
		}
		if name != def.Name {
			return nil, fmt.Errorf("statement targets %s, not view %s",
				catalog.QuoteIdent(name), catalog.QuoteIdent(def.Name))
		}
		if !p.eatToken("(") {
			return nil, p.unexpected()
		}
		for {
			col, err := p.ident()
			if err != nil {
				return nil, err
			}
			cols = append(cols, col)
			if p.eatToken(",") {
				continue
			}
			if p.eatToken(")") {
				break
			}
			return nil, p.unexpected()
		}
	default:
		p.pos = 0
		if !(p.eatKeyword("DELETE") && p.eatKeyword("FROM")) {
			return nil, p.unexpected()
		}
		isDelete = true
		name, err := p.ident()
		if err != nil {
			return nil, err
		}
		if name != def.Name {
			return nil, fmt.Errorf("statement targets %s, not view %s",
				catalog.QuoteIdent(name), catalog.QuoteIdent(def.Name))
		}
		if !p.eatKeyword("WHERE") {
			return nil, p.unexpected()
		}
		for {
			col, err := p.ident()
			if err != nil {
				return nil, err
			}
			cols = append(cols, col)
			if !p.eatToken("=") || !p.eatToken("?") {
				return nil, p.unexpected()
			}
			if p.eatKeyword("AND") {
				continue
			}
			break
		}
	}
	if len(cols) != len(s.Args) {
		return nil, fmt.Errorf("statement binds %d columns to %d arguments", len(cols), len(s.Args))
	}

	m := &mutation.ViewMutation{
		Table:  def.Name,
		Ts:     s.Ts,
		Delete: isDelete,
		Cells:  make(map[string]mutation.Value),
	}
	partCols := def.PartitionKeyCols()
	clustCols := def.ClusteringKeyCols()
	m.Partition = make([]mutation.Value, len(partCols))
	m.Clustering = make([]mutation.Value, len(clustCols))
	seenPart := 0
	seenClust := 0
	for i, col := range cols {
		if idx := indexOf(partCols, col); idx >= 0 {
			m.Partition[idx] = s.Args[i]
			seenPart++
			continue
		}
		if idx := indexOf(clustCols, col); idx >= 0 {
			m.Clustering[idx] = s.Args[i]
			seenClust++
			continue
		}
		if def.ViewSchema().GetColIdx(col) < 0 {
			return nil, fmt.Errorf("no column %s in view %s",
				catalog.QuoteIdent(col), catalog.QuoteIdent(def.Name))
		}
		m.Cells[col] = s.Args[i]
	}
	if seenPart != len(partCols) || seenClust != len(clustCols) {
		return nil, fmt.Errorf("statement misses derived key columns of view %s",
			catalog.QuoteIdent(def.Name))
	}
	return m, nil
}

func indexOf(cols []string, col string) int {
	for i, c := range cols {
		if c == col {
			return i
		}
	}
	return -1
}

type stmtParser struct {
	text string
	pos  int
}

func (p *stmtParser) skipSpace() {
	for p.pos < len(p.text) && p.text[p.pos] == ' ' {
		p.pos++
	}
}

func (p *stmtParser) eatKeyword(kw string) bool {
	p.skipSpace()
	end := p.pos + len(kw)
	if end > len(p.text) || !strings.EqualFold(p.text[p.pos:end], kw) {
		return false
	}
	if end < len(p.text) {
		c := p.text[end]
		if c != ' ' && c != '(' {
			return false
		}
	}
	p.pos = end
	return true
}

func (p *stmtParser) eatToken(tok string) bool {
	p.skipSpace()
	if strings.HasPrefix(p.text[p.pos:], tok) {
		p.pos += len(tok)
		return true
	}
	return false
}

// ident consumes one identifier, bare or quoted. Quoted identifiers keep
// embedded doubled quotes; bare ones stop at any delimiter.
func (p *stmtParser) ident() (string, error) {
	p.skipSpace()
	if p.pos >= len(p.text) {
		return "", p.unexpected()
	}
	if p.text[p.pos] == '"' {
		start := p.pos
		p.pos++
		for p.pos < len(p.text) {
			if p.text[p.pos] == '"' {
				if p.pos+1 < len(p.text) && p.text[p.pos+1] == '"' {
					p.pos += 2
					continue
				}
				p.pos++
				return catalog.ParseIdent(p.text[start:p.pos])
			}
			p.pos++
		}
		return "", fmt.Errorf("unterminated quoted identifier at %d in %q", start, p.text)
	}
	start := p.pos
	for p.pos < len(p.text) {
		c := p.text[p.pos]
		if c == ' ' || c == ',' || c == '(' || c == ')' || c == '=' {
			break
		}
		p.pos++
	}
	if start == p.pos {
		return "", p.unexpected()
	}
	return catalog.ParseIdent(p.text[start:p.pos])
}

func (p *stmtParser) unexpected() error {
	return fmt.Errorf("unexpected token at %d in %q", p.pos, p.text)
}
