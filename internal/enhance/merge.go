package enhance

import "github.com/nupi-ai/corevisor/internal/config"

// MergeMapping returns a copy of base with overlay applied: overlay wins on
// collisions, nested mappings merge recursively, sequences are replaced.
func MergeMapping(base, overlay config.Mapping) config.Mapping {
	out := config.CloneMapping(base)
	if out == nil {
		out = config.Mapping{}
	}
	mergeInto(out, config.CloneMapping(overlay))
	return out
}

func mergeInto(dst, src config.Mapping) {
	for k, v := range src {
		srcMap, srcIsMap := v.(map[string]any)
		dstMap, dstIsMap := dst[k].(map[string]any)
		if srcIsMap && dstIsMap {
			mergeInto(dstMap, srcMap)
			continue
		}
		dst[k] = v
	}
}
