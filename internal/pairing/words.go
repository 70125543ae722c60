package pairing

// wordList is the fixed 256-word dictionary for pairing codes. Both halves
// of a code are drawn from this list; parsing rejects anything outside it.
// The list is append-only in spirit: reordering or removing entries would
// break codes displayed by devices running older builds.
var wordList = []string{
	"acorn", "amber", "anchor", "apple", "arrow", "aspen", "atlas", "autumn",
	"badge", "bagel", "bamboo", "banjo", "barley", "basil", "beach", "beacon",
	"berry", "birch", "bison", "blade", "bloom", "bluff", "board", "boulder",
	"bramble", "brass", "breeze", "brick", "bridge", "brook", "bubble", "butter",
	"cabin", "cactus", "camel", "candle", "canoe", "canyon", "carbon", "castle",
	"cedar", "chalk", "cherry", "chess", "chime", "cider", "cinder", "citrus",
	"clay", "cliff", "clover", "cobalt", "comet", "copper", "coral", "cotton",
	"cove", "crane", "crater", "creek", "cricket", "crystal", "cypress", "daisy",
	"dawn", "delta", "denim", "desert", "dome", "drift", "dune", "eagle",
	"earth", "ebony", "echo", "elder", "ember", "fable", "falcon", "feather",
	"fern", "field", "finch", "fjord", "flame", "flint", "forest", "fossil",
	"frost", "galaxy", "garden", "garnet", "geyser", "ginger", "glacier", "glade",
	"glen", "granite", "grape", "gravel", "grove", "gull", "harbor", "hawk",
	"hazel", "heather", "hedge", "heron", "hickory", "hill", "hollow", "honey",
	"ibis", "iceberg", "indigo", "iris", "island", "ivory", "jade", "jasmine",
	"jasper", "jungle", "juniper", "kelp", "kite", "lagoon", "lake", "lantern",
	"larch", "lark", "laurel", "lava", "ledge", "lemon", "lichen", "lilac",
	"lily", "linen", "lotus", "lunar", "lynx", "magma", "magnet", "mango",
	"maple", "marble", "marsh", "meadow", "mesa", "mint", "mist", "moss",
	"mountain", "nectar", "nickel", "north", "nutmeg", "oasis", "ocean", "olive",
	"onyx", "opal", "orchard", "orchid", "osprey", "otter", "oyster", "palm",
	"pebble", "pecan", "peony", "pepper", "petal", "pine", "plateau", "plum",
	"pollen", "pond", "poplar", "poppy", "prairie", "prism", "quail", "quarry",
	"quartz", "quill", "raven", "reed", "reef", "ridge", "river", "robin",
	"rowan", "ruby", "saffron", "sage", "salmon", "sand", "sapphire", "seal",
	"sequoia", "shade", "shell", "shore", "silver", "slate", "sleet", "smoke",
	"snow", "solar", "sorrel", "spark", "spruce", "squall", "stone", "storm",
	"stream", "summit", "sunset", "swan", "sycamore", "tansy", "teak", "thicket",
	"thistle", "thorn", "thunder", "tide", "timber", "topaz", "trail", "trout",
	"tulip", "tundra", "turnip", "valley", "vapor", "velvet", "vine", "violet",
	"walnut", "wave", "wheat", "willow", "winter", "yarrow", "zephyr", "zinc",
	"alder", "almond", "aster", "bay", "birdie", "bracken", "briar", "cloud",
}

// wordSet indexes wordList for O(1) membership checks.
var wordSet = func() map[string]struct{} {
	set := make(map[string]struct{}, len(wordList))
	for _, w := range wordList {
		set[w] = struct{}{}
	}
	return set
}()
