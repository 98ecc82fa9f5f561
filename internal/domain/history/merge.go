package history

import "sort"

// identity estructural: mismo rol, contenido y timestamp al milisegundo.
// Dos mensajes idénticos enviados en el mismo ms colapsan; ServerID lo desambigua cuando existe.
type identity struct {
	role    Role
	content string
	ms      int64
}

func identityOf(m Message) identity {
	return identity{role: m.Role, content: m.Content, ms: m.Timestamp.UnixMilli()}
}

// Merge une el cache local con el snapshot del servidor sin duplicar.
// Toda entrada local se conserva; una del servidor entra sólo si no tiene gemela local.
// El resultado queda ordenado por timestamp (estable) y Merge(Merge(l, s), s) == Merge(l, s).
func Merge(local, server []Message) []Message {
	merged, _, _ := reconcile(local, server)
	return merged
}

// reconcile además devuelve las entradas nuevas del servidor y las locales
// que ahora conocen su ServerID.
func reconcile(local, server []Message) (merged, fresh, upgraded []Message) {
	merged = make([]Message, 0, len(local)+len(server))
	merged = append(merged, local...)

	byIdentity := make(map[identity]int, len(local))
	byServerID := make(map[string]int, len(local))
	for i, m := range merged {
		if _, ok := byIdentity[identityOf(m)]; !ok {
			byIdentity[identityOf(m)] = i
		}
		if m.ServerID != "" {
			byServerID[m.ServerID] = i
		}
	}

	for _, s := range server {
		if s.ServerID != "" {
			if _, ok := byServerID[s.ServerID]; ok {
				continue
			}
		}
		if i, ok := byIdentity[identityOf(s)]; ok && !distinctServerIDs(merged[i], s) {
			if merged[i].ServerID == "" && s.ServerID != "" {
				merged[i].ServerID = s.ServerID
				merged[i].SyncState = SyncSynced
				byServerID[s.ServerID] = i
				upgraded = append(upgraded, merged[i])
			}
			continue
		}
		merged = append(merged, s)
		fresh = append(fresh, s)
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Timestamp.Before(merged[j].Timestamp)
	})
	return merged, fresh, upgraded
}

// distinctServerIDs: gemelas estructurales con ServerID distinto son mensajes distintos.
func distinctServerIDs(a, b Message) bool {
	return a.ServerID != "" && b.ServerID != "" && a.ServerID != b.ServerID
}
