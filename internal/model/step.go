package model

import "fmt"

type StepOp string

const (
	OpLog        StepOp = "log"
	OpCrudCreate StepOp = "crud.create"
	OpCrudList   StepOp = "crud.list"
	OpDBUpdate   StepOp = "db.update"
	OpCustom     StepOp = "custom"
)

// Step is a closed set: LogStep, CreateStep, ListStep, UpdateStep, CustomStep.
type Step interface {
	Op() StepOp
	step()
}

type LogStep struct {
	Message Value
	Level   string
}

type CreateStep struct {
	Model  string
	Values map[string]Value
}

type ListStep struct {
	Model string
	Where map[string]Value
	Limit int
}

// UpdateStep updates rows of Model where WhereField equals WhereValue.
type UpdateStep struct {
	Model      string
	WhereField string
	WhereValue Value
	Set        map[string]Value
}

type CustomStep struct {
	Name string
	Args map[string]Value
}

func (LogStep) Op() StepOp    { return OpLog }
func (CreateStep) Op() StepOp { return OpCrudCreate }
func (ListStep) Op() StepOp   { return OpCrudList }
func (UpdateStep) Op() StepOp { return OpDBUpdate }
func (CustomStep) Op() StepOp { return OpCustom }

func (LogStep) step()    {}
func (CreateStep) step() {}
func (ListStep) step()   {}
func (UpdateStep) step() {}
func (CustomStep) step() {}

func validateStep(s Step) error {
	switch st := s.(type) {
	case LogStep:
		return nil
	case CreateStep:
		if st.Model == "" {
			return fmt.Errorf("%s: missing model", st.Op())
		}
	case ListStep:
		if st.Model == "" {
			return fmt.Errorf("%s: missing model", st.Op())
		}
	case UpdateStep:
		if st.Model == "" || st.WhereField == "" {
			return fmt.Errorf("%s: missing model or where field", st.Op())
		}
		if len(st.Set) == 0 {
			return fmt.Errorf("%s: empty set", st.Op())
		}
	case CustomStep:
		if st.Name == "" {
			return fmt.Errorf("%s: missing name", st.Op())
		}
	case nil:
		return fmt.Errorf("nil step")
	default:
		return fmt.Errorf("unsupported step %T", s)
	}
	return nil
}
