package reactive

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/cespare/xxhash"

	"github.com/zoravur/livequery/internal/common"
)

// Identity distinguishes a genuinely changed row from one merely re-fetched.
// Key names the row; Version changes whenever the row does.
type Identity struct {
	Key     string
	Version string
}

type IdentityFunc func(Row) Identity

// VersionColumn is read as the version token by the built-in extractors.
const VersionColumn = "version"

// KeyColumns builds an extractor keyed by the given columns of table. The
// key is the row handle clients use for edits.
func KeyColumns(table string, cols ...string) IdentityFunc {
	return func(r Row) Identity {
		vals := make([]any, len(cols))
		for i, c := range cols {
			v, ok := r[c]
			if !ok {
				return Identity{Version: versionOf(r)}
			}
			vals[i] = v
		}
		return Identity{Key: common.EncodeHandle(table, cols, vals), Version: versionOf(r)}
	}
}

// defaultIdentity keys rows by their "id" column when the definition has a
// single source table; otherwise rows are identified by content alone.
func defaultIdentity(d Definition) IdentityFunc {
	tables := d.Tables()
	if len(tables) == 1 {
		return KeyColumns(tables[0], "id")
	}
	return func(r Row) Identity { return Identity{Version: versionOf(r)} }
}

func versionOf(r Row) string {
	v, ok := r[VersionColumn]
	if !ok || v == nil {
		return ""
	}
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return fmt.Sprint(v)
}

// rowState is the comparison record kept per cached row.
type rowState struct {
	id  Identity
	sum uint64
}

func (s rowState) key() string {
	k := s.id.Key
	if k == "" {
		k = "#" + strconv.FormatUint(s.sum, 16)
	}
	return k + "\x00" + s.id.Version + "\x00" + strconv.FormatUint(s.sum, 16)
}

// digest hashes a row's content independent of map iteration order.
func digest(r Row) uint64 {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	h := xxhash.New()
	for _, k := range keys {
		_, _ = h.Write([]byte(k))
		_, _ = h.Write([]byte{0})
		v := r[k]
		if b, ok := v.([]byte); ok {
			v = string(b)
		}
		_, _ = fmt.Fprintf(h, "%T:%v", v, v)
		_, _ = h.Write([]byte{0})
	}
	return h.Sum64()
}
