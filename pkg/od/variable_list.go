package od

// VariableList is the data representation for
// storing a "RECORD" or "ARRAY" object type
type VariableList struct {
	objectType uint8 // either RECORD or ARRAY
	Variables  []*Variable
}

// GetSubObject returns the [Variable] corresponding to
// a given subindex if not found, it errors with ErrSubNotExist
func (rec *VariableList) GetSubObject(subIndex uint8) (*Variable, error) {
	if rec.objectType == ObjectTypeARRAY {
		if int(subIndex) >= len(rec.Variables) || rec.Variables[subIndex] == nil {
			return nil, ErrSubNotExist
		}
		return rec.Variables[subIndex], nil
	}
	for _, variable := range rec.Variables {
		if variable.SubIndex == subIndex {
			return variable, nil
		}
	}
	return nil, ErrSubNotExist
}

// AddSubObject adds a [Variable] to the VariableList
// If the VariableList is an ARRAY then the subindex should be
// identical to the actual placement inside of the array.
// Otherwise it can be any valid subindex value, and the VariableList
// will grow accordingly
func (rec *VariableList) AddSubObject(
	subIndex uint8,
	name string,
	dataType uint8,
	attribute uint8,
	value string,
) (*Variable, error) {
	variable, err := NewVariable(subIndex, name, dataType, attribute, value)
	if err != nil {
		return nil, err
	}
	rec.addVariable(variable)
	return variable, nil
}

func (rec *VariableList) addVariable(variable *Variable) {
	if rec.objectType == ObjectTypeARRAY {
		for int(variable.SubIndex) >= len(rec.Variables) {
			rec.Variables = append(rec.Variables, nil)
		}
		rec.Variables[variable.SubIndex] = variable
		return
	}
	for i, existing := range rec.Variables {
		if existing.SubIndex == variable.SubIndex {
			rec.Variables[i] = variable
			return
		}
	}
	rec.Variables = append(rec.Variables, variable)
}

func NewRecord() *VariableList {
	return &VariableList{objectType: ObjectTypeRECORD, Variables: make([]*Variable, 0)}
}

func NewArray(length uint8) *VariableList {
	return &VariableList{objectType: ObjectTypeARRAY, Variables: make([]*Variable, length)}
}
