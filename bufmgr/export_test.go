package bufmgr

func (m *Manager) GenerateMLLI(arr *BufferArray) (*MLLI, []int, error) {
	return m.generateMLLI(arr)
}

func (m *Manager) FreeMLLI(t *MLLI) {
	m.freeMLLI(t)
}
