package layout

import "strings"

const (
	unetPrefix = "base_model.model."
	factorSep  = ".lora_"
	downFactor = "lora_A"
	upFactor   = "lora_B"
)

// replacements rewrite decoder keys into backbone naming. Unlike a
// strings.Replacer they are applied one after another, so later pairs see
// the output of earlier ones.
var replacements = []string{
	"lora_unet_", unetPrefix,
	"A", "down",
	"B", "up",
	"weight", "identity1.weight",
	"_lora", ".lora",
	"lora_down", downFactor,
	"lora_up", upFactor,
}

// RewriteKey maps a decoder key such as
// "lora_unet_down_blocks.0.attentions.0.transformer_blocks.0.attn1.to_q_lora_A.weight"
// to its backbone form
// "base_model.model.down_blocks.0.attentions.0.transformer_blocks.0.attn1.to_q.lora_A.identity1.weight".
func RewriteKey(key string) string {
	for i := 0; i < len(replacements); i += 2 {
		key = strings.ReplaceAll(key, replacements[i], replacements[i+1])
	}

	return key
}

// splitKey returns the base key of a rewritten key and whether it names
// the down (A) factor.
func splitKey(rewritten string) (base string, down bool) {
	base = rewritten
	if i := strings.LastIndex(rewritten, factorSep); i >= 0 {
		base = rewritten[:i]
	}

	return base, strings.Contains(rewritten, downFactor)
}

// ModulePath strips the backbone prefix from a base key.
func ModulePath(base string) string {
	return strings.ReplaceAll(base, unetPrefix, "")
}
