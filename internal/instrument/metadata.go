package instrument

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/dexpack/dexpack/internal/ir"
)

// methodDictionaryFileName is the fixed name of the deobfuscated method
// name dictionary the profiler joins the metadata against.
const methodDictionaryFileName = "redex-source-block-method-dictionary.csv"

// methodDictionary maps method refs to their dense dictionary index.
type methodDictionary map[*ir.MethodRef]int

// showDeobfuscatedRef renders a method ref through the deobfuscation map
// when its definition carries one, NFC-normalized so dictionary ordering
// and uniqueness are byte-stable.
func (e *Engine) showDeobfuscatedRef(ref *ir.MethodRef) string {
	if cls := e.arena.ClassFor(ref.Owner()); cls != nil {
		for _, m := range cls.AllMethods() {
			if m.Ref == ref && m.DeobName != "" {
				return norm.NFC.String(m.DeobName)
			}
		}
	}
	return norm.NFC.String(ref.Show())
}

// createMethodDictionary writes the dictionary CSV and returns the index
// map. Two distinct refs with identical deobfuscated names indicate a
// broken deobfuscation map and are an error.
func (e *Engine) createMethodDictionary(fileName string, records []*MethodRecord) (methodDictionary, error) {
	set := make(map[*ir.MethodRef]bool)
	for _, rec := range records {
		set[rec.Method.Ref] = true
		for _, sbs := range rec.BitIDToSourceBlocks {
			for _, sb := range sbs {
				set[sb.Src] = true
			}
		}
	}

	refs := make([]*ir.MethodRef, 0, len(set))
	for ref := range set {
		refs = append(refs, ref)
	}
	names := make(map[*ir.MethodRef]string, len(refs))
	for _, ref := range refs {
		names[ref] = e.showDeobfuscatedRef(ref)
	}
	sort.Slice(refs, func(i, j int) bool { return names[refs[i]] < names[refs[j]] })
	for i := 1; i < len(refs); i++ {
		if names[refs[i-1]] == names[refs[i]] {
			return nil, fmt.Errorf("identical deobfuscated names were found: %s", names[refs[i]])
		}
	}

	var sb strings.Builder
	sb.WriteString("type,version\nredex-source-block-method-dictionary,1\n")
	sb.WriteString("index,deob_name\n")
	dict := make(methodDictionary, len(refs))
	for i, ref := range refs {
		dict[ref] = i
		fmt.Fprintf(&sb, "%d,%s\n", i, names[ref])
	}
	if err := os.WriteFile(fileName, []byte(sb.String()), 0644); err != nil {
		return nil, fmt.Errorf("writing method dictionary: %w", err)
	}
	return dict, nil
}

// writeMetadata writes the method dictionary and the per-method metadata
// CSV into the configured output directory.
func (e *Engine) writeMetadata(records []*MethodRecord) error {
	dict, err := e.createMethodDictionary(
		filepath.Join(e.opts.OutputDir, methodDictionaryFileName), records)
	if err != nil {
		return err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "profile_type,version,num_methods\n")
	fmt.Fprintf(&sb, "basic-block-tracing,%d,%d\n", profilingDataVersion, len(records))
	sb.WriteString("offset,name,instrument,non_entry_blocks,vectors,bit_id_2_block_id,rejected_blocks,src_blocks\n")

	for _, rec := range records {
		fields := []string{
			strconv.Itoa(rec.Offset),
			strconv.Itoa(dict[rec.Method.Ref]),
			strconv.Itoa(int(rec.InstrumentedType())),
			strconv.Itoa(rec.NumNonEntryBlocks),
			strconv.Itoa(rec.NumVectors),
			writeBlockIDMap(rec.BitIDToBlockID),
			writeRejectedBlocks(rec.RejectedBlocks),
			writeSourceBlocks(dict, rec.BitIDToSourceBlocks),
		}
		sb.WriteString(strings.Join(fields, ","))
		sb.WriteByte('\n')
	}

	fileName := filepath.Join(e.opts.OutputDir, e.opts.MetadataBaseFileName)
	if err := os.WriteFile(fileName, []byte(sb.String()), 0644); err != nil {
		return fmt.Errorf("writing metadata: %w", err)
	}
	e.log.WithField("file", fileName).Debug("metadata file was written")
	return nil
}

func writeBlockIDMap(bitIDToBlockID []ir.BlockID) string {
	fields := make([]string, 0, len(bitIDToBlockID))
	for _, id := range bitIDToBlockID {
		fields = append(fields, strconv.Itoa(int(id)))
	}
	return strings.Join(fields, ";")
}

func writeRejectedBlocks(rejected map[ir.BlockID]BlockType) string {
	ids := make([]ir.BlockID, 0, len(rejected))
	for id := range rejected {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fields := make([]string, 0, len(ids))
	for _, id := range ids {
		fields = append(fields, fmt.Sprintf("%d:%d", id, int(rejected[id])))
	}
	return strings.Join(fields, ";")
}

func writeSourceBlocks(dict methodDictionary, bitIDToSourceBlocks [][]*ir.SourceBlock) string {
	var sb strings.Builder
	for i, sbs := range bitIDToSourceBlocks {
		if i != 0 {
			sb.WriteByte(';')
		}
		for j, src := range sbs {
			if j != 0 {
				sb.WriteByte('|')
			}
			fmt.Fprintf(&sb, "%d#%d", dict[src.Src], src.ID)
		}
	}
	return sb.String()
}
