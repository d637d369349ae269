package od

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/ini.v1"
)

var (
	matchIdxRegExp    = regexp.MustCompile(`^[0-9A-Fa-f]{4}$`)
	matchSubidxRegExp = regexp.MustCompile(`^([0-9A-Fa-f]{4})[Ss]ub([0-9A-Fa-f]+)$`)
	matchNodeIdRegExp = regexp.MustCompile(`\+?\$NODEID\+?`)
)

// Parse an EDS file
// file can be either a path or an *os.File or []byte
// $NODEID inside default values is replaced by nodeId
func Parse(file any, nodeId uint8) (*ObjectDictionary, error) {
	od := NewOD()
	edsFile, err := ini.Load(file)
	if err != nil {
		return nil, err
	}
	for _, section := range edsFile.Sections() {
		sectionName := section.Name()

		// Match indexes : This adds new entries to the dictionary
		if matchIdxRegExp.MatchString(sectionName) {
			idx, err := strconv.ParseUint(sectionName, 16, 16)
			if err != nil {
				return nil, err
			}
			index := uint16(idx)
			name := section.Key("ParameterName").String()
			objType, err := strconv.ParseUint(section.Key("ObjectType").Value(), 0, 8)
			objectType := uint8(objType)
			// If no object type, default to 7 (VAR)
			if err != nil {
				objectType = ObjectTypeVAR
			}
			switch objectType {
			case ObjectTypeVAR, ObjectTypeDOMAIN:
				variable, err := newVariableFromSection(section, name, nodeId, index, 0)
				if err != nil {
					return nil, err
				}
				od.addEntry(NewEntry(od.logger, index, name, variable, ObjectTypeVAR))
			case ObjectTypeARRAY:
				subNumber, err := strconv.ParseUint(section.Key("SubNumber").Value(), 0, 8)
				if err != nil {
					return nil, fmt.Errorf("[OD] invalid SubNumber for x%x : %w", index, err)
				}
				od.AddVariableList(index, name, NewArray(uint8(subNumber)))
			case ObjectTypeRECORD:
				od.AddVariableList(index, name, NewRecord())
			default:
				return nil, fmt.Errorf("[OD] unknown object type %v whilst parsing EDS", objType)
			}
		}

		// Match subindexes, add the subindex values to Record or Array objects
		if matches := matchSubidxRegExp.FindStringSubmatch(sectionName); matches != nil {
			idx, err := strconv.ParseUint(matches[1], 16, 16)
			if err != nil {
				return nil, err
			}
			sidx, err := strconv.ParseUint(matches[2], 16, 8)
			if err != nil {
				return nil, err
			}
			index, subIndex := uint16(idx), uint8(sidx)
			entry := od.Index(index)
			if entry == nil {
				return nil, fmt.Errorf("[OD] index with id x%x not found", index)
			}
			list, ok := entry.object.(*VariableList)
			if !ok {
				return nil, fmt.Errorf("[OD] cannot add sub entry to x%x", index)
			}
			name := section.Key("ParameterName").String()
			variable, err := newVariableFromSection(section, name, nodeId, index, subIndex)
			if err != nil {
				return nil, err
			}
			list.addVariable(variable)
		}
	}
	return od, nil
}

// Create variable from section entry
func newVariableFromSection(
	section *ini.Section,
	name string,
	nodeId uint8,
	index uint16,
	subIndex uint8,
) (*Variable, error) {
	variable := &Variable{
		Name:     name,
		SubIndex: subIndex,
	}
	accessType, err := section.GetKey("AccessType")
	if err != nil {
		return nil, fmt.Errorf("failed to get 'AccessType' for x%x|x%x", index, subIndex)
	}
	pdoMapping := false
	if pM, err := section.GetKey("PDOMapping"); err == nil {
		pdoMapping, err = pM.Bool()
		if err != nil {
			return nil, err
		}
	}
	dataType, err := strconv.ParseUint(section.Key("DataType").Value(), 0, 8)
	if err != nil {
		return nil, fmt.Errorf("failed to parse 'DataType' for x%x|x%x : %w", index, subIndex, err)
	}
	variable.DataType = byte(dataType)
	variable.Attribute = EncodeAttribute(accessType.String(), pdoMapping, variable.DataType)
	// Vendor specific key, parameters that cannot change while operational
	if locked, err := section.GetKey("StateLocked"); err == nil {
		if isLocked, _ := locked.Bool(); isLocked {
			variable.Attribute |= AttributeLocked
		}
	}

	defaultValueStr := section.Key("DefaultValue").Value()
	// If $NODEID is in default value then remove it, and add it afterwards
	if strings.Contains(defaultValueStr, "$NODEID") {
		defaultValueStr = matchNodeIdRegExp.ReplaceAllString(defaultValueStr, "")
	} else {
		nodeId = 0
	}
	variable.valueDefault, err = EncodeFromString(defaultValueStr, variable.DataType, nodeId)
	if err != nil {
		return nil, fmt.Errorf("failed to parse 'DefaultValue' for x%x|x%x : %w", index, subIndex, err)
	}
	variable.value = make([]byte, len(variable.valueDefault))
	copy(variable.value, variable.valueDefault)
	return variable, nil
}
