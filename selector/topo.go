package selector

import "errors"

// ErrCircularDependency is wrapped by resolution errors caused by a cycle.
var ErrCircularDependency = errors.New("selector: circular dependency")

// Stages groups ids into dependency levels with Kahn's algorithm: each stage
// holds the rules whose dependencies all sit in earlier stages. Within a
// stage, ids keep their order in ids. dependsOn edges to ids not in ids are
// ignored. A cycle returns ErrCircularDependency.
func Stages(ids []string, dependsOn map[string][]string) ([][]string, error) {
	ids = dedup(ids)
	present := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		present[id] = struct{}{}
	}

	inDegree := make(map[string]int, len(ids))
	dependents := make(map[string][]string, len(ids))
	for _, id := range ids {
		for _, dep := range dedup(dependsOn[id]) {
			if dep == id {
				return nil, ErrCircularDependency
			}
			if _, ok := present[dep]; !ok {
				continue
			}
			inDegree[id]++
			dependents[dep] = append(dependents[dep], id)
		}
	}

	var stages [][]string
	done := make(map[string]struct{}, len(ids))
	for len(done) < len(ids) {
		var stage []string
		for _, id := range ids {
			if _, ok := done[id]; ok {
				continue
			}
			if inDegree[id] == 0 {
				stage = append(stage, id)
			}
		}
		if len(stage) == 0 {
			return nil, ErrCircularDependency
		}
		for _, id := range stage {
			done[id] = struct{}{}
			for _, d := range dependents[id] {
				inDegree[d]--
			}
		}
		stages = append(stages, stage)
	}
	return stages, nil
}
