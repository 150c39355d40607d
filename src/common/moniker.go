package common

import (
	"fmt"
	"math/rand"
	"sync"
	"time"
)

var (
	adjectives = []string{
		"amber", "ancient", "autumn", "billowing", "bitter", "black", "blue",
		"bold", "brave", "broken", "calm", "cold", "cool", "crimson", "curly",
		"damp", "dark", "dawn", "delicate", "divine", "dry", "empty", "falling",
		"fancy", "flat", "floral", "fragrant", "frosty", "gentle", "green",
		"hidden", "holy", "icy", "jolly", "late", "lingering", "little",
		"lively", "long", "lucky", "misty", "morning", "muddy", "nameless",
		"noisy", "odd", "old", "orange", "patient", "plain", "polished",
		"proud", "purple", "quiet", "rapid", "raspy", "red", "restless",
		"rough", "round", "royal", "shiny", "shy", "silent", "small", "snowy",
		"soft", "solitary", "sparkling", "spring", "square", "steep", "still",
		"summer", "swift", "tight", "tiny", "twilight", "wandering", "weathered",
		"white", "wild", "winter", "wispy", "withered", "yellow", "young",
	}

	nouns = []string{
		"art", "band", "bar", "base", "bird", "block", "boat", "bonus", "bread",
		"breeze", "brook", "bush", "butterfly", "cake", "cell", "cherry",
		"cloud", "credit", "darkness", "dawn", "dew", "disk", "dream", "dust",
		"feather", "field", "fire", "firefly", "flower", "fog", "forest",
		"frog", "frost", "glade", "glitter", "grass", "hall", "hat", "haze",
		"heart", "hill", "king", "lab", "lake", "leaf", "limit", "math",
		"meadow", "mode", "moon", "morning", "mountain", "mouse", "mud", "night",
		"paper", "pine", "poetry", "pond", "queen", "rain", "recipe", "resonance",
		"rice", "river", "salad", "scene", "sea", "shadow", "shape", "silence",
		"sky", "smoke", "snow", "snowflake", "sound", "star", "sun", "sunset",
		"surf", "term", "thunder", "tooth", "tree", "truth", "union", "unit",
		"violet", "voice", "water", "waterfall", "wave", "wildflower", "wind",
		"wood",
	}

	monikerLock sync.Mutex
	monikerRand = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// RandomMoniker returns a human-friendly name of the form adjective-noun, for
// example "misty-river".
func RandomMoniker() string {
	monikerLock.Lock()
	defer monikerLock.Unlock()

	return fmt.Sprintf("%s-%s",
		adjectives[monikerRand.Intn(len(adjectives))],
		nouns[monikerRand.Intn(len(nouns))])
}
