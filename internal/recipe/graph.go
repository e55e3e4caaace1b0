package recipe

// GroupsForChangedFiles is the local-invalidation query: walk the stage's
// groups in order, skipping stage groups, and find the first
// local group with a copy whose source matches any of files. The result is
// the suffix of all groups (local and stage) from that point on — a matched
// group invalidates every later group in the stage regardless of whether
// the later group's own copies match.
func (s *Stage) GroupsForChangedFiles(files map[string]struct{}) []*ActionGroup {
	for k, g := range s.ActionGroups {
		if g.Kind != LocalGroupKind {
			continue
		}
		for _, copy := range g.LocalCopies {
			if matchesAny(copy.Source, files) {
				return s.ActionGroups[k:]
			}
		}
	}
	return nil
}

// GroupsForChangedStage is the stage-invalidation query: walk the stage's
// groups in order, restricted to stage groups whose
// StageDependency equals sourceIdx, and return the suffix starting at the
// first such group found to exist — a stage copy from an invalidated
// upstream stage always needs re-running.
func (s *Stage) GroupsForChangedStage(sourceIdx int) []*ActionGroup {
	for k, g := range s.ActionGroups {
		if g.Kind == StageGroupKind && g.StageDependency == sourceIdx {
			return s.ActionGroups[k:]
		}
	}
	return nil
}

func matchesAny(source string, files map[string]struct{}) bool {
	for f := range files {
		if matchesCopySource(f, source) {
			return true
		}
	}
	return false
}
