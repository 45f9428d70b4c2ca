package upstream

import (
	"context"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/caresync/visits/pkg/visitmodel"
)

// AlayaCare is the secondary scheduling system. Tenancy is carried in the
// path and visit ids are numeric on the wire.
type AlayaCare struct {
	client *resty.Client
}

// NewAlayaCare creates an AlayaCare client.
func NewAlayaCare(cfg ClientConfig) *AlayaCare {
	return &AlayaCare{client: newRestClient(cfg)}
}

func (a *AlayaCare) Name() string { return visitmodel.SystemAlayaCare }

type alayaVisit struct {
	ID          int64  `json:"id"`
	CallVisitID string `json:"call_visit_id"`
	Client      struct {
		ID   string `json:"id"`
		PsID string `json:"ps_id"`
	} `json:"client"`
	Employees []struct {
		ID string `json:"id"`
	} `json:"employees"`
	StartAt    string `json:"start_at"`
	EndAt      string `json:"end_at"`
	ClockIn    string `json:"clock_in_at"`
	ClockOut   string `json:"clock_out_at"`
	PlannerRef string `json:"planner_ref"`
	State      string `json:"state"`
	Tasks      []struct {
		ID     string `json:"id"`
		Label  string `json:"label"`
		IsDone bool   `json:"is_done"`
	} `json:"tasks"`
}

func (v alayaVisit) toRecord(tenantID string) visitmodel.VisitRecord {
	rec := visitmodel.VisitRecord{
		VisitID:       strconv.FormatInt(v.ID, 10),
		TenantID:      tenantID,
		SystemType:    visitmodel.SystemAlayaCare,
		CVID:          v.CallVisitID,
		ClientID:      v.Client.ID,
		ClientPsID:    v.Client.PsID,
		StartDateTime: mustTime(v.StartAt),
		EndDateTime:   mustTime(v.EndAt),
		CheckInTime:   parseTime(v.ClockIn),
		CheckOutTime:  parseTime(v.ClockOut),
		PlannerID:     optString(v.PlannerRef),
		Status:        v.State,
	}
	for _, e := range v.Employees {
		rec.ScheduledEmployeeIDs = append(rec.ScheduledEmployeeIDs, e.ID)
	}
	for _, t := range v.Tasks {
		rec.ADLChecklist = append(rec.ADLChecklist, visitmodel.Activity{ID: t.ID, Name: t.Label, Completed: t.IsDone})
	}
	return rec
}

func (a *AlayaCare) ListVisits(ctx context.Context, ident visitmodel.SystemIdentifier, from, to time.Time) ([]visitmodel.VisitRecord, error) {
	var out struct {
		Items []alayaVisit `json:"items"`
	}
	resp, err := a.client.R().
		SetContext(ctx).
		SetPathParams(map[string]string{"tenant": ident.TenantID, "employee": ident.EmpSystemID}).
		SetQueryParam("start_at", from.UTC().Format(time.RFC3339)).
		SetQueryParam("end_at", to.UTC().Format(time.RFC3339)).
		SetResult(&out).
		Get("/tenants/{tenant}/employees/{employee}/visits")
	if err := readError(a.Name(), "list visits", resp, err); err != nil {
		return nil, err
	}
	records := make([]visitmodel.VisitRecord, 0, len(out.Items))
	for _, v := range out.Items {
		records = append(records, v.toRecord(ident.TenantID))
	}
	return records, nil
}

func (a *AlayaCare) GetVisit(ctx context.Context, ident visitmodel.SystemIdentifier, ref visitmodel.VisitRef) (*visitmodel.VisitRecord, error) {
	var out alayaVisit
	resp, err := a.client.R().
		SetContext(ctx).
		SetPathParams(map[string]string{"tenant": ref.TenantID, "visit": ref.VisitID}).
		SetResult(&out).
		Get("/tenants/{tenant}/visits/{visit}")
	if err := readError(a.Name(), "get visit", resp, err); err != nil {
		return nil, err
	}
	rec := out.toRecord(ref.TenantID)
	return &rec, nil
}

type alayaClock struct {
	EmployeeID string      `json:"employee_id"`
	At         string      `json:"at,omitempty"`
	Location   *alayaPoint `json:"location,omitempty"`
	Reason     string      `json:"reason,omitempty"`
	Tasks      []alayaTask `json:"tasks,omitempty"`
}

type alayaPoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type alayaTask struct {
	ID     string `json:"id"`
	IsDone bool   `json:"is_done"`
	Note   string `json:"note,omitempty"`
}

func newAlayaClock(employeeID string, at time.Time, geo *visitmodel.Geo) alayaClock {
	body := alayaClock{EmployeeID: employeeID}
	if !at.IsZero() {
		body.At = at.UTC().Format(time.RFC3339)
	}
	if geo != nil {
		body.Location = &alayaPoint{Lat: geo.Latitude, Lng: geo.Longitude}
	}
	return body
}

func (a *AlayaCare) post(ctx context.Context, op string, ref visitmodel.VisitRef, path string, body interface{}) (visitmodel.WriteResult, error) {
	resp, err := a.client.R().
		SetContext(ctx).
		SetPathParams(map[string]string{"tenant": ref.TenantID, "visit": ref.VisitID}).
		SetBody(body).
		Post(path)
	return writeResult(a.Name(), op, resp, err)
}

func (a *AlayaCare) CheckIn(ctx context.Context, ident visitmodel.SystemIdentifier, cmd visitmodel.CheckInCommand) (visitmodel.WriteResult, error) {
	body := newAlayaClock(ident.EmpSystemID, cmd.DeviceTime, cmd.Geo)
	body.Reason = cmd.LateReason
	return a.post(ctx, "check in", cmd.Ref, "/tenants/{tenant}/visits/{visit}/clock_in", body)
}

func (a *AlayaCare) CheckOut(ctx context.Context, ident visitmodel.SystemIdentifier, cmd visitmodel.CheckOutCommand) (visitmodel.WriteResult, error) {
	body := newAlayaClock(ident.EmpSystemID, cmd.DeviceTime, cmd.Geo)
	for _, t := range cmd.Activities {
		body.Tasks = append(body.Tasks, alayaTask{ID: t.ID, IsDone: t.Completed, Note: t.Note})
	}
	return a.post(ctx, "check out", cmd.Ref, "/tenants/{tenant}/visits/{visit}/clock_out", body)
}

func (a *AlayaCare) Reset(ctx context.Context, ident visitmodel.SystemIdentifier, cmd visitmodel.ResetCommand) (visitmodel.WriteResult, error) {
	body := alayaClock{EmployeeID: ident.EmpSystemID, Reason: cmd.Reason}
	return a.post(ctx, "reset", cmd.Ref, "/tenants/{tenant}/visits/{visit}/clock_reset", body)
}

type alayaNote struct {
	Category  string `json:"category"`
	Title     string `json:"title,omitempty"`
	Body      string `json:"body"`
	AuthorID  string `json:"author_id,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	CreatedAt string `json:"created_at"`
}

func (a *AlayaCare) CreateNote(ctx context.Context, ident visitmodel.SystemIdentifier, note visitmodel.Note) error {
	ref := visitmodel.VisitRef{VisitID: note.VisitID, TenantID: note.TenantID, CVID: note.CVID}
	body := alayaNote{
		Category:  note.Kind,
		Title:     note.Subject,
		Body:      note.Content,
		AuthorID:  ident.EmpSystemID,
		ClientID:  note.ClientID,
		CreatedAt: note.CreatedAt.UTC().Format(time.RFC3339),
	}
	_, err := a.post(ctx, "create note", ref, "/tenants/{tenant}/visits/{visit}/notes", body)
	return err
}

func (a *AlayaCare) ListNotes(ctx context.Context, ident visitmodel.SystemIdentifier, ref visitmodel.VisitRef) ([]visitmodel.Note, error) {
	var out struct {
		Items []alayaNote `json:"items"`
	}
	resp, err := a.client.R().
		SetContext(ctx).
		SetPathParams(map[string]string{"tenant": ref.TenantID, "visit": ref.VisitID}).
		SetResult(&out).
		Get("/tenants/{tenant}/visits/{visit}/notes")
	if err := readError(a.Name(), "list notes", resp, err); err != nil {
		return nil, err
	}
	notes := make([]visitmodel.Note, 0, len(out.Items))
	for _, n := range out.Items {
		notes = append(notes, visitmodel.Note{
			Kind:       n.Category,
			VisitID:    ref.VisitID,
			TenantID:   ref.TenantID,
			CVID:       ref.CVID,
			ClientID:   n.ClientID,
			EmployeeID: n.AuthorID,
			Subject:    n.Title,
			Content:    n.Body,
			CreatedAt:  mustTime(n.CreatedAt),
		})
	}
	return notes, nil
}

var _ System = (*AlayaCare)(nil)
