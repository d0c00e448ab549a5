package bpf

// Stats is a snapshot of the objects an Image has handed out.
type Stats struct {
	Programs    map[string]string `json:"programs"`
	Maps        []string          `json:"maps"`
	Attachments int               `json:"attachments"`
}

// Stats reports the state of every program looked up so far, the maps created
// and not yet released, and the number of active attachments.
func (i *Image) Stats() *Stats {
	s := &Stats{
		Programs: make(map[string]string, len(i.programs)),
	}

	for name, p := range i.programs {
		s.Programs[name] = p.state.String()
		s.Attachments += len(p.attachments)
	}

	for _, name := range sortedKeys(i.maps) {
		if !i.maps[name].released {
			s.Maps = append(s.Maps, name)
		}
	}

	return s
}
