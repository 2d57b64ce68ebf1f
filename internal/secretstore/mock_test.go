package secretstore

// memStore is an in-memory Store for tests.
type memStore map[string][]byte

func (m memStore) Put(n string, d []byte) error { m[n] = d; return nil }

func (m memStore) Get(n string) ([]byte, error) {
	d, ok := m[n]
	if !ok {
		return nil, ErrNotFound
	}
	return d, nil
}

func (m memStore) Delete(n string) error {
	if _, ok := m[n]; !ok {
		return ErrNotFound
	}
	delete(m, n)
	return nil
}
