package agents

import "hash/fnv"

// stationNames is the pool of display names given to agent invocations in
// event streams. The list is fixed so a task's names are stable across
// restarts and resumes.
var stationNames = []string{
	"Ome", "Gora", "Maji", "Ueno", "Ebisu",
	"Osaki", "Otaru", "Namba", "Tenma", "Mejiro",
	"Koenji", "Gotanda", "Ryogoku", "Yutenji", "Nippori",
	"Asagaya", "Mojiko", "Taisho", "Yumoto", "Harajuku",
	"Shibuya", "Odawara", "Enoshima", "Ogikubo", "Ichigaya",
	"Komazawa", "Shinjuku", "Wakkanai", "Todoroki", "Naruto",
	"Nikko", "Hakone", "Beppu", "Atami", "Ginza",
	"Kamakura", "Yokohama", "Nagasaki", "Sapporo", "Kichijoji",
}

// DisplayName returns a deterministic name for the index-th agent slot of a
// task. Recovery attempts use offsets past the collaboration slots.
func DisplayName(taskID string, index int) string {
	if index < 0 {
		index = -index
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(taskID))
	return stationNames[(int(h.Sum32()%uint32(len(stationNames)))+index)%len(stationNames)]
}

// Display slot offsets.
const (
	SlotLead     = 40
	SlotRecovery = 50
)
